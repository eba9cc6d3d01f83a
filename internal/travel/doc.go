// Package travel provides rewind and replay queries over experience
// chains: locating the experience closest to a target vector clock, and
// deterministically rebuilding a later chain state from a snapshot plus
// a sequence of append and merge events.
package travel

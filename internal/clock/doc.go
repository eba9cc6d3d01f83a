// Package clock provides the vector clock implementation used to track
// causality across experience chains. Vector clocks establish a partial
// happened-before order between experiences created on different nodes
// by maintaining one counter per node, with no physical clock involved.
package clock

// Package pool recycles the chunk buffers used by file copiers.
//
// Every active copier reads one chunk per pulse. Buffers are borrowed for the
// duration of a single CopyChunk call and returned immediately, so a process
// mirroring to many destinations keeps only a handful of chunk-sized slices
// alive no matter how many copy jobs exist.
package pool

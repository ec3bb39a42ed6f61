// Package forkexec provides a clone / execve based process spawn primitive
// that starts a copy of a program image at a designated entry point without
// going through os/exec.
//
// The spawned process never returns into the caller's control flow: between
// clone and execve the child runs raw syscalls only (fd remapping, setsid,
// rlimits, optional seccomp), and any failure is reported back through a
// close-on-exec pipe together with the location of the failing syscall,
// after which the child exits directly.
//
// clone3 requires kernel >= 5.3; older kernels fall back to clone.
// pipe2, dup3 require kernel >= 2.6.27.
package forkexec

package iobridge

import "golang.org/x/sys/unix"

// FIONREAD is the ioctl request returning the number of bytes available for
// reading on a descriptor.
const FIONREAD = unix.FIONREAD

// pipeBuf is the largest write to a pipe that the kernel completes at once
// when poll reported the pipe writable.
const pipeBuf = 512

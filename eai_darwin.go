package iobridge

// Values of the BSD <netdb.h> header.
const (
	EAI_ADDRFAMILY EAI = 1
	EAI_AGAIN      EAI = 2
	EAI_BADFLAGS   EAI = 3
	EAI_FAIL       EAI = 4
	EAI_FAMILY     EAI = 5
	EAI_MEMORY     EAI = 6
	EAI_NODATA     EAI = 7
	EAI_NONAME     EAI = 8
	EAI_SERVICE    EAI = 9
	EAI_SOCKTYPE   EAI = 10
	EAI_SYSTEM     EAI = 11
	EAI_OVERFLOW   EAI = 14
)

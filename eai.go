package iobridge

import "strconv"

// EAI is an error code returned by getaddrinfo(3) or getnameinfo(3).
//
// The codes live in a table disjoint from the one of Errno, even though both
// map numbers to names: the same number means different things in each.
type EAI int32

// Name returns the symbolic name of the code (e.g. "EAI_NONAME"), or the
// empty string if the code is unknown.
func (e EAI) Name() string {
	if info, ok := eaiTable[e]; ok {
		return info.name
	}
	return ""
}

// Error returns the description of the code, as gai_strerror(3) would.
func (e EAI) Error() string {
	if info, ok := eaiTable[e]; ok {
		return info.desc
	}
	return "Unknown error"
}

func (e EAI) label() string {
	if name := e.Name(); name != "" {
		return name
	}
	return "GAI_ error " + strconv.Itoa(int(e))
}

type eaiInfo struct {
	name string
	desc string
}

var eaiTable = map[EAI]eaiInfo{
	EAI_ADDRFAMILY: {"EAI_ADDRFAMILY", "Address family for hostname not supported"},
	EAI_AGAIN:      {"EAI_AGAIN", "Temporary failure in name resolution"},
	EAI_BADFLAGS:   {"EAI_BADFLAGS", "Bad value for ai_flags"},
	EAI_FAIL:       {"EAI_FAIL", "Non-recoverable failure in name resolution"},
	EAI_FAMILY:     {"EAI_FAMILY", "ai_family not supported"},
	EAI_MEMORY:     {"EAI_MEMORY", "Memory allocation failure"},
	EAI_NODATA:     {"EAI_NODATA", "No address associated with hostname"},
	EAI_NONAME:     {"EAI_NONAME", "Name or service not known"},
	EAI_OVERFLOW:   {"EAI_OVERFLOW", "Argument buffer overflow"},
	EAI_SERVICE:    {"EAI_SERVICE", "Servname not supported for ai_socktype"},
	EAI_SOCKTYPE:   {"EAI_SOCKTYPE", "ai_socktype not supported"},
	EAI_SYSTEM:     {"EAI_SYSTEM", "System error"},
}

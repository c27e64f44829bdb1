package imports

import (
	"crypto/rand"
)

const defaultName = "iobridge-wasm-module"

var defaultRand = rand.Reader

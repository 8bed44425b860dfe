package client

const (
	OP_START int = iota
	OP_CONTROL_LINE
	OP_MSG_PAYLOAD
	OP_MSG_END
)

type parseState struct {
	state      int
	argBuf     []byte
	payloadBuf []byte

	ma msgArg
}

type msgArg struct {
	subject string
	reply   string
	sid     uint64
	hdr     int
	size    int
	ctrlLen int
}

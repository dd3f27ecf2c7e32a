package rpc

const (
	opHello  = "hello"
	opLookup = "lookup"
	opCall   = "call"
	opArgs   = "args"
)

// Ref identifies an exported object on a server.
type Ref struct {
	ID           string
	Capabilities []string
}

// Provides reports whether the object behind r declares capability.
func (r Ref) Provides(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// requestMessage is a client->server message.
// A call is one message with Op=call followed by one or more Op=args messages.
type requestMessage struct {
	Op string

	Capability string `json:",omitempty"`

	Object string            `json:",omitempty"`
	Method string            `json:",omitempty"`
	Meta   map[string]string `json:",omitempty"`

	Args     []byte `json:",omitempty"`
	ArgsDone bool   `json:",omitempty"`
}

// responseMessage is a server->client message.
// Call results may span several messages; only the last has ResultDone or Err set.
type responseMessage struct {
	Instance string `json:",omitempty"`
	Refs     []Ref  `json:",omitempty"`

	Result     []byte `json:",omitempty"`
	ResultDone bool   `json:",omitempty"`

	Err *errorPayload `json:",omitempty"`
}

type errorPayload struct {
	Code    string
	Message string
}

// Package stratum implements the client side of the Stratum V1 mining protocol:
// newline-delimited JSON-RPC requests to the pool and decoding of the pool's
// responses and notifications into handshake events.
package stratum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Stratum methods used by the miner
const (
	MethodConfigure      = "mining.configure"
	MethodSubscribe      = "mining.subscribe"
	MethodAuthorize      = "mining.authorize"
	MethodSubmit         = "mining.submit"
	MethodNotify         = "mining.notify"
	MethodSetDifficulty  = "mining.set_difficulty"
	MethodSetVersionMask = "mining.set_version_mask"
	MethodReconnect      = "client.reconnect"
	MethodShowMessage    = "client.show_message"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response. Pools send it either as an
// object or in the classic [code, message, traceback] array form.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// UnmarshalJSON accepts both the object and the array encodings
func (e *Error) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) > 0 {
			if code, ok := arr[0].(float64); ok {
				e.Code = int(code)
			}
		}
		if len(arr) > 1 {
			if msg, ok := arr[1].(string); ok {
				e.Message = msg
			}
		}
		if len(arr) > 2 {
			e.Data = arr[2]
		}
		return nil
	}

	type plain Error
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Error(p)
	return nil
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
)

// VersionRolling advertises hardware version-rolling support
type VersionRolling struct {
	Mask        uint32
	MinBitCount uint32
}

// Extensions are the protocol extensions negotiated with mining.configure.
// They are fixed for the life of a session.
type Extensions struct {
	VersionRolling      *VersionRolling
	MinimumDifficulty   float64 // 0 omits the extension
	SubscribeExtranonce bool
}

func (e Extensions) params() []any {
	names := []any{}
	values := map[string]any{}

	if vr := e.VersionRolling; vr != nil {
		names = append(names, "version-rolling")
		values["version-rolling.mask"] = fmt.Sprintf("%08x", vr.Mask)
		values["version-rolling.min-bit-count"] = vr.MinBitCount
	}
	if e.MinimumDifficulty > 0 {
		names = append(names, "minimum-difficulty")
		values["minimum-difficulty.value"] = e.MinimumDifficulty
	}
	if e.SubscribeExtranonce {
		names = append(names, "subscribe-extranonce")
	}

	return []any{names, values}
}

// Share is one proof-of-work result submitted to the pool
type Share struct {
	JobID       string
	ExtraNonce2 []byte
	NTime       uint32
	Nonce       uint32
	VersionBits *uint32
}

func (s Share) params(user string) []any {
	params := []any{
		user,
		s.JobID,
		hex.EncodeToString(s.ExtraNonce2),
		fmt.Sprintf("%08x", s.NTime),
		fmt.Sprintf("%08x", s.Nonce),
	}
	if s.VersionBits != nil {
		params = append(params, fmt.Sprintf("%08x", *s.VersionBits))
	}
	return params
}

// Job is a unit of work announced with mining.notify
type Job struct {
	JobID        string
	PrevHash     chainhash.Hash
	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch [][]byte
	Version      uint32
	NBits        uint32
	NTime        uint32
	CleanJobs    bool
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id uint64, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// IsResponse returns true if the message answers one of our requests
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is pool-initiated
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// requestID extracts a numeric request id; pools echo it back as a JSON number
// and a few echo it as a string.
func requestID(id any) (uint64, bool) {
	switch v := id.(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// ParseNotify decodes mining.notify parameters
func ParseNotify(params []any) (*Job, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	jobID, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("job_id must be string")
	}

	prevHash, err := parsePrevHash(params[1])
	if err != nil {
		return nil, err
	}

	coinb1, err := hexParam(params[2], "coinb1")
	if err != nil {
		return nil, err
	}
	coinb2, err := hexParam(params[3], "coinb2")
	if err != nil {
		return nil, err
	}

	rawBranch, ok := params[4].([]any)
	if !ok {
		return nil, fmt.Errorf("merkle_branch must be array")
	}
	branch := make([][]byte, 0, len(rawBranch))
	for _, b := range rawBranch {
		h, err := hexParam(b, "merkle_branch")
		if err != nil {
			return nil, err
		}
		branch = append(branch, h)
	}

	version, err := hexUint32(params[5], "version")
	if err != nil {
		return nil, err
	}
	nbits, err := hexUint32(params[6], "nbits")
	if err != nil {
		return nil, err
	}
	ntime, err := hexUint32(params[7], "ntime")
	if err != nil {
		return nil, err
	}

	clean, ok := params[8].(bool)
	if !ok {
		return nil, fmt.Errorf("clean_jobs must be bool")
	}

	return &Job{
		JobID:        jobID,
		PrevHash:     *prevHash,
		Coinb1:       coinb1,
		Coinb2:       coinb2,
		MerkleBranch: branch,
		Version:      version,
		NBits:        nbits,
		NTime:        ntime,
		CleanJobs:    clean,
	}, nil
}

// parsePrevHash decodes the notify prev-hash, which Stratum sends as eight
// 32-bit words each in little-endian byte order.
func parsePrevHash(v any) (*chainhash.Hash, error) {
	raw, err := hexParam(v, "prevhash")
	if err != nil {
		return nil, err
	}
	if len(raw) != chainhash.HashSize {
		return nil, fmt.Errorf("prevhash must be %d bytes", chainhash.HashSize)
	}
	for i := 0; i < len(raw); i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}
	return chainhash.NewHash(raw)
}

func hexParam(v any, name string) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%s must be string", name)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s must be hex: %w", name, err)
	}
	return b, nil
}

func hexUint32(v any, name string) (uint32, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("%s must be string", name)
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a 32-bit hex value: %w", name, err)
	}
	return uint32(n), nil
}

package reactor

import (
	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/mailbox"
	"github.com/dreamware/strata/internal/shard"
)

// Code classifies the outcome of a request.
type Code uint8

const (
	CodeOK Code = iota
	// CodeNotServing means the replica is not in a state that handles the
	// request. The client should look the range up again and retry.
	CodeNotServing
	// CodeScript means an update script failed.
	CodeScript
	// CodeInvalid means the request itself is unusable, e.g. a key outside
	// the range.
	CodeInvalid
	// CodeInternal means the replica failed to handle the request.
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotServing:
		return "not_serving"
	case CodeScript:
		return "script"
	case CodeInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// ReadRequest asks a serving replica for one key.
type ReadRequest struct {
	ID    string                 `msgpack:"id"`
	Key   string                 `msgpack:"key"`
	Reply mailbox.Addr[Response] `msgpack:"reply"`
}

// WriteRequest asks the primary to change one key. With Script set the new
// value is computed by running the script on the current value.
type WriteRequest struct {
	ID     string                 `msgpack:"id"`
	Key    string                 `msgpack:"key"`
	Value  []byte                 `msgpack:"value"`
	Delete bool                   `msgpack:"delete"`
	Script string                 `msgpack:"script"`
	Reply  mailbox.Addr[Response] `msgpack:"reply"`
}

// Response answers a ReadRequest or WriteRequest.
type Response struct {
	ID    string `msgpack:"id"`
	Code  Code   `msgpack:"code"`
	Found bool   `msgpack:"found"`
	Value []byte `msgpack:"value"`
	Err   string `msgpack:"err"`
}

// ReplicateRequest carries one write from the primary to a secondary.
type ReplicateRequest struct {
	Write shard.Write `msgpack:"write"`
}

// BackfillRequest asks a replica to stream the keys it holds inside Range to
// Reply. If the source is the primary it also starts replicating writes to
// keys in Range to Replicate before it takes the snapshot.
type BackfillRequest struct {
	Requester cluster.PeerID                 `msgpack:"requester"`
	Range     blueprint.KeyRange             `msgpack:"range"`
	Replicate mailbox.Addr[ReplicateRequest] `msgpack:"replicate"`
	Reply     mailbox.Addr[BackfillChunk]    `msgpack:"reply"`
}

// Pair is one key and value of a backfill chunk.
type Pair struct {
	Key   string `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

// BackfillChunk is one piece of a backfill stream. Range repeats the range
// of the request it answers. The last chunk of a stream has Done set; Err
// set means the source gave up.
type BackfillChunk struct {
	Range blueprint.KeyRange `msgpack:"range"`
	Pairs []Pair             `msgpack:"pairs"`
	Done  bool               `msgpack:"done"`
	Total int                `msgpack:"total"`
	Err   string             `msgpack:"err"`
}

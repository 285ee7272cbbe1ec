package websocket

import (
	"fmt"
	"math"

	"github.com/valyala/fastjson"
)

const (
	frameConnected        = "connected"
	frameError            = "error"
	frameAddLog           = "add_log"
	frameAddData          = "add_data"
	frameDeleteDataWorker = "delete_data_worker"
)

type serverFrame struct {
	Type     string  `json:"type"`
	Identity string  `json:"identity,omitempty"`
	Clock    float64 `json:"clock,omitempty"`
	Message  string  `json:"message,omitempty"`
}

type clientFrame struct {
	Type       string
	Sent       float64
	UnderLoad  bool
	Data       []int32
	DeletionID uint64
}

// decodeFrame copies everything it needs out of the parser, so p may be
// reused as soon as it returns. The type is filled in even on error when it
// could be read.
func decodeFrame(p *fastjson.Parser, data []byte) (clientFrame, error) {
	v, err := p.ParseBytes(data)
	if err != nil {
		return clientFrame{}, fmt.Errorf("invalid json: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return clientFrame{}, fmt.Errorf("frame must be an object")
	}

	f := clientFrame{Type: string(v.GetStringBytes("type"))}
	switch f.Type {
	case frameAddLog:
		sent := v.Get("sent")
		if sent == nil {
			return f, fmt.Errorf("add_log: missing sent")
		}
		if f.Sent, err = sent.Float64(); err != nil {
			return f, fmt.Errorf("add_log: sent: %w", err)
		}
		if ul := v.Get("under_load"); ul != nil {
			if f.UnderLoad, err = ul.Bool(); err != nil {
				return f, fmt.Errorf("add_log: under_load: %w", err)
			}
		}
	case frameAddData:
		raw := v.Get("data")
		if raw == nil {
			return f, fmt.Errorf("add_data: missing data")
		}
		items, err := raw.Array()
		if err != nil {
			return f, fmt.Errorf("add_data: data: %w", err)
		}
		f.Data = make([]int32, len(items))
		for i, item := range items {
			n, err := item.Int64()
			if err != nil {
				return f, fmt.Errorf("add_data: data[%d]: %w", i, err)
			}
			if n < math.MinInt32 || n > math.MaxInt32 {
				return f, fmt.Errorf("add_data: data[%d]: %d overflows int32", i, n)
			}
			f.Data[i] = int32(n)
		}
	case frameDeleteDataWorker:
		id := v.Get("deletion_id")
		if id == nil {
			return f, fmt.Errorf("delete_data_worker: missing deletion_id")
		}
		if f.DeletionID, err = id.Uint64(); err != nil {
			return f, fmt.Errorf("delete_data_worker: deletion_id: %w", err)
		}
	case "":
		return f, fmt.Errorf("missing frame type")
	default:
		return f, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

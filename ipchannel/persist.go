package ipchannel

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Persisted channel state uses a small versioned, length-prefixed binary
// format rather than gob or JSON, following the teacher's config-handling
// style of reading exactly the bytes a format version defines and
// tolerating unknown trailing fields from a newer writer. There is no
// on-disk compatibility goal with any prior implementation, only with
// itself across upgrades.
var persistMagic = [4]byte{'L', 'N', 'I', 'P'}

const persistFormatVersion = 1

// persistedState is everything about a channel the master needs to
// recover without waiting on a fresh exchange with the configuration
// server: membership and routing, the negotiated protocol version and
// session identity, the addresses the channel was configured with, its
// feature flags and shared secret, and where the configuration server was
// last heard from.
type persistedState struct {
	DateTime  uint32
	SessionID uint32

	Members []MemberEntry
	Version ProtocolVersion
	Routing ChannelRouting

	LocalAddr string
	CSAddr    string
	NTP1Addr  string
	NTP2Addr  string
	NATAddr   string

	Aggregate    bool
	BWLimit      bool
	Reorder      bool
	Authenticate bool
	EIA852Strict bool

	Secret     Secret
	DeviceName string

	LastKnownCSHost string
	LastKnownCSPort uint16
}

func encodeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func decodeString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func encodeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func decodeBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func encodePersistedState(s *persistedState) []byte {
	buf := new(bytes.Buffer)
	buf.Write(persistMagic[:])
	buf.WriteByte(persistFormatVersion)

	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, s.DateTime)
	binary.Write(body, binary.BigEndian, s.SessionID)

	binary.Write(body, binary.BigEndian, uint16(len(s.Members)))
	for _, m := range s.Members {
		binary.Write(body, binary.BigEndian, m)
	}
	binary.Write(body, binary.BigEndian, uint8(s.Version))
	binary.Write(body, binary.BigEndian, s.Routing.RouterType)
	encodeByteSlices(body, s.Routing.Domains)
	binary.Write(body, binary.BigEndian, uint16(len(s.Routing.Subnets)))
	body.Write(s.Routing.Subnets)
	binary.Write(body, binary.BigEndian, uint16(len(s.Routing.Nodes)))
	body.Write(s.Routing.Nodes)
	encodeByteSlices(body, s.Routing.NeuronIDs)

	encodeString(body, s.LocalAddr)
	encodeString(body, s.CSAddr)
	encodeString(body, s.NTP1Addr)
	encodeString(body, s.NTP2Addr)
	encodeString(body, s.NATAddr)

	encodeBool(body, s.Aggregate)
	encodeBool(body, s.BWLimit)
	encodeBool(body, s.Reorder)
	encodeBool(body, s.Authenticate)
	encodeBool(body, s.EIA852Strict)

	body.Write(s.Secret[:])
	encodeString(body, s.DeviceName)

	encodeString(body, s.LastKnownCSHost)
	binary.Write(body, binary.BigEndian, s.LastKnownCSPort)

	binary.Write(buf, binary.BigEndian, uint32(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func decodePersistedState(data []byte) (*persistedState, error) {
	if len(data) < 4+1+4 {
		return nil, fmt.Errorf("persisted state too short")
	}
	if !bytes.Equal(data[:4], persistMagic[:]) {
		return nil, fmt.Errorf("bad persisted state magic")
	}
	formatVersion := data[4]
	length := binary.BigEndian.Uint32(data[5:9])
	if 9+int(length) > len(data) {
		return nil, fmt.Errorf("persisted state length %d exceeds file size", length)
	}
	r := bytes.NewReader(data[9 : 9+int(length)])

	s := &persistedState{}
	if err := binary.Read(r, binary.BigEndian, &s.DateTime); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &s.SessionID); err != nil {
		return nil, err
	}

	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	for i := uint16(0); i < n; i++ {
		var m MemberEntry
		if err := binary.Read(r, binary.BigEndian, &m); err != nil {
			return nil, err
		}
		s.Members = append(s.Members, m)
	}

	var v uint8
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	s.Version = ProtocolVersion(v)

	if formatVersion >= persistFormatVersion {
		if err := binary.Read(r, binary.BigEndian, &s.Routing.RouterType); err != nil {
			return nil, err
		}
		domains, err := decodeByteSlices(r)
		if err != nil {
			return nil, err
		}
		s.Routing.Domains = domains

		var nSub uint16
		if err := binary.Read(r, binary.BigEndian, &nSub); err != nil {
			return nil, err
		}
		s.Routing.Subnets = make([]byte, nSub)
		if _, err := r.Read(s.Routing.Subnets); err != nil {
			return nil, err
		}

		var nNode uint16
		if err := binary.Read(r, binary.BigEndian, &nNode); err != nil {
			return nil, err
		}
		s.Routing.Nodes = make([]byte, nNode)
		if _, err := r.Read(s.Routing.Nodes); err != nil {
			return nil, err
		}

		neuronIDs, err := decodeByteSlices(r)
		if err != nil {
			return nil, err
		}
		s.Routing.NeuronIDs = neuronIDs

		var derr error
		if s.LocalAddr, derr = decodeString(r); derr != nil {
			return nil, derr
		}
		if s.CSAddr, derr = decodeString(r); derr != nil {
			return nil, derr
		}
		if s.NTP1Addr, derr = decodeString(r); derr != nil {
			return nil, derr
		}
		if s.NTP2Addr, derr = decodeString(r); derr != nil {
			return nil, derr
		}
		if s.NATAddr, derr = decodeString(r); derr != nil {
			return nil, derr
		}

		if s.Aggregate, derr = decodeBool(r); derr != nil {
			return nil, derr
		}
		if s.BWLimit, derr = decodeBool(r); derr != nil {
			return nil, derr
		}
		if s.Reorder, derr = decodeBool(r); derr != nil {
			return nil, derr
		}
		if s.Authenticate, derr = decodeBool(r); derr != nil {
			return nil, derr
		}
		if s.EIA852Strict, derr = decodeBool(r); derr != nil {
			return nil, derr
		}

		if _, derr = io.ReadFull(r, s.Secret[:]); derr != nil {
			return nil, derr
		}
		if s.DeviceName, derr = decodeString(r); derr != nil {
			return nil, derr
		}

		if s.LastKnownCSHost, derr = decodeString(r); derr != nil {
			return nil, derr
		}
		if derr = binary.Read(r, binary.BigEndian, &s.LastKnownCSPort); derr != nil {
			return nil, derr
		}
	}

	return s, nil
}

// persistWriter debounces writes of channel state to disk: bursts of
// membership or routing changes collapse into a single write
// persistDebounce after the first one, carrying the latest state.
type persistWriter struct {
	path   string
	logger log.Logger

	mu      sync.Mutex
	pending *persistedState
	dirty   bool
	wake    chan struct{}
}

func newPersistWriter(path string, logger log.Logger) *persistWriter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &persistWriter{
		path:   path,
		logger: log.With(logger, "component", "persist"),
		wake:   make(chan struct{}, 1),
	}
}

// Schedule requests that state eventually be written, debounced.
func (w *persistWriter) Schedule(state *persistedState) {
	w.mu.Lock()
	w.pending = state
	w.dirty = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Load reads the last persisted state, if any.
func (w *persistWriter) Load() (*persistedState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodePersistedState(data)
}

// Run drives the debounced write loop until ctx is cancelled.
func (w *persistWriter) Run(ctx context.Context) error {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case <-w.wake:
			if timer == nil {
				timer = time.NewTimer(persistDebounce)
				timerC = timer.C
			}
		case <-timerC:
			w.flush()
			timer = nil
			timerC = nil
		}
	}
}

func (w *persistWriter) flush() {
	w.mu.Lock()
	state := w.pending
	dirty := w.dirty
	w.dirty = false
	w.mu.Unlock()

	if !dirty || state == nil {
		return
	}

	data := encodePersistedState(state)
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		level.Debug(w.logger).Log("msg", "failed to write persisted state", "err", err)
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		level.Debug(w.logger).Log("msg", "failed to install persisted state", "err", err)
	}
}

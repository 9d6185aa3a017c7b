// Package capture records received CAN frames as a stream of CBOR records
// and reads them back.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/notnil/canzero/canbus"
)

// Record is one captured frame. Len is the DLC; a remote frame has no Data
// so Len is all that carries it.
type Record struct {
	Time     time.Time `cbor:"1,keyasint"`
	Endpoint string    `cbor:"2,keyasint"`
	ID       uint32    `cbor:"3,keyasint"`
	Extended bool      `cbor:"4,keyasint,omitempty"`
	RTR      bool      `cbor:"5,keyasint,omitempty"`
	Data     []byte    `cbor:"6,keyasint,omitempty"`
	Len      uint8     `cbor:"7,keyasint,omitempty"`
}

// NewRecord captures f as seen on endpoint at t.
func NewRecord(endpoint string, t time.Time, f canbus.Frame) Record {
	r := Record{Time: t, Endpoint: endpoint, ID: f.ID, Extended: f.Extended, RTR: f.RTR, Len: f.Len}
	if p := f.Payload(); len(p) > 0 && !f.RTR {
		r.Data = append([]byte(nil), p...)
	}
	return r
}

// Frame rebuilds the captured frame.
func (r Record) Frame() (canbus.Frame, error) {
	n := len(r.Data)
	if r.RTR {
		n = int(r.Len)
	}
	if n > canbus.MaxLen {
		return canbus.Frame{}, canbus.ErrInvalidLen
	}
	f := canbus.Frame{ID: r.ID, Extended: r.Extended, RTR: r.RTR, Len: uint8(n)}
	copy(f.Data[:], r.Data)
	return f, f.Validate()
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Writer appends records to an io.Writer. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	n   int
}

// NewWriter returns a Writer encoding to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: encMode.NewEncoder(w)}
}

// Write appends one frame.
func (w *Writer) Write(endpoint string, t time.Time, f canbus.Frame) error {
	rec := NewRecord(endpoint, t, f)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("capture: encode: %w", err)
	}
	w.n++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Consume writes every frame from frames until the channel is closed or ctx
// is done. now stamps each record.
func (w *Writer) Consume(ctx context.Context, endpoint string, frames <-chan canbus.Frame, now func() time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := w.Write(endpoint, now(), f); err != nil {
				return err
			}
		}
	}
}

// Reader decodes records written by a Writer.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader returns a Reader decoding from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("capture: decode: %w", err)
	}
	return rec, nil
}

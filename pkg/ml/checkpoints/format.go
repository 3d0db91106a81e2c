// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"time"

	"github.com/gomlx/gsplat/pkg/core/tensors"
	"github.com/gomlx/gsplat/pkg/ml/model"
	"github.com/gomlx/gsplat/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

const (
	binHeader     = "gsplat_checkpoint"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))

	// bytesPerValue of the float32 blobs.
	bytesPerValue = 4
)

// Format header
//
// ----------------------------------------------
// | 0                 16 | 17  | 18    17 +len |
// ----------------------------------------------
// |  "gsplat_checkpoint" | len |  "gzip"       |
//
// Followed by the (compressed) payload:
//
// | uint64 metadata length | JSON metadata | float32 blobs (little-endian) |
//
// Uncompressed files have no header.

// serializedCheckpoint is the JSON metadata of a checkpoint file.
type serializedCheckpoint struct {
	Step      int                  `json:"step"`
	Model     []serializedVar      `json:"model"`
	Opt       *serializedOptimizer `json:"opt"`
	Scaler    any                  `json:"scaler"` // Always null: there is no loss scaler state.
	CreatedAt time.Time            `json:"created_at"`
}

// serializedVar points to the blob of a tensor: Pos and Length are in bytes, relative to the
// start of the blobs.
type serializedVar struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dimensions"`
	Pos        int    `json:"pos"`
	Length     int    `json:"length"`
}

type serializedOptimizer struct {
	Type            string             `json:"type"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
	Slots           []serializedVar    `json:"slots"`
}

// blobWriter lays out tensors in the blob section.
type blobWriter struct {
	pos     int
	tensors []*tensors.Tensor
}

func (w *blobWriter) add(state model.State) []serializedVar {
	vars := make([]serializedVar, 0, len(state))
	for _, entry := range state {
		length := entry.Value.Size() * bytesPerValue
		vars = append(vars, serializedVar{
			Name:       entry.Name,
			Dimensions: entry.Value.Shape(),
			Pos:        w.pos,
			Length:     length,
		})
		w.pos += length
		w.tensors = append(w.tensors, entry.Value)
	}
	return vars
}

// encode writes the payload of ckpt to w.
func encode(w io.Writer, ckpt *Checkpoint) error {
	var blobs blobWriter
	serialized := serializedCheckpoint{
		Step:      ckpt.Step,
		Model:     blobs.add(ckpt.Model),
		CreatedAt: ckpt.CreatedAt,
	}
	if ckpt.Optimizer != nil {
		serialized.Opt = &serializedOptimizer{
			Type:            ckpt.Optimizer.Type,
			Hyperparameters: ckpt.Optimizer.Hyperparameters,
			Slots:           blobs.add(ckpt.Optimizer.Slots),
		}
	}
	metadata, err := json.Marshal(&serialized)
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint metadata")
	}
	if err = binary.Write(w, binary.LittleEndian, uint64(len(metadata))); err != nil {
		return errors.Wrap(err, "writing metadata length")
	}
	if _, err = w.Write(metadata); err != nil {
		return errors.Wrap(err, "writing metadata")
	}
	buf := make([]byte, 0, 64*1024)
	for _, t := range blobs.tensors {
		for _, v := range t.Data() {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
			if len(buf) == cap(buf) {
				if _, err = w.Write(buf); err != nil {
					return errors.Wrap(err, "writing tensor data")
				}
				buf = buf[:0]
			}
		}
	}
	if len(buf) > 0 {
		if _, err = w.Write(buf); err != nil {
			return errors.Wrap(err, "writing tensor data")
		}
	}
	return nil
}

// decode parses a full (uncompressed) payload.
func decode(payload []byte) (*Checkpoint, error) {
	if len(payload) < 8 {
		return nil, errors.Errorf("checkpoint truncated: %d bytes", len(payload))
	}
	metadataLen := binary.LittleEndian.Uint64(payload[:8])
	if metadataLen > uint64(len(payload)-8) {
		return nil, errors.Errorf("checkpoint truncated: metadata length %d, but only %d bytes available", metadataLen, len(payload)-8)
	}
	var serialized serializedCheckpoint
	dec := json.NewDecoder(bytes.NewReader(payload[8 : 8+metadataLen]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&serialized); err != nil {
		return nil, errors.Wrap(err, "decoding checkpoint metadata")
	}
	if serialized.Step < 0 {
		return nil, errors.Errorf("checkpoint has invalid step %d", serialized.Step)
	}
	blobs := payload[8+metadataLen:]

	ckpt := &Checkpoint{Step: serialized.Step, CreatedAt: serialized.CreatedAt}
	var err error
	if ckpt.Model, err = decodeVars(serialized.Model, blobs); err != nil {
		return nil, errors.WithMessage(err, "model state")
	}
	if serialized.Opt != nil {
		ckpt.Optimizer = &optimizers.State{
			Type:            serialized.Opt.Type,
			Hyperparameters: serialized.Opt.Hyperparameters,
		}
		if ckpt.Optimizer.Slots, err = decodeVars(serialized.Opt.Slots, blobs); err != nil {
			return nil, errors.WithMessage(err, "optimizer state")
		}
	}
	return ckpt, nil
}

func decodeVars(vars []serializedVar, blobs []byte) (model.State, error) {
	state := make(model.State, 0, len(vars))
	for _, v := range vars {
		size := 1
		for _, dim := range v.Dimensions {
			if dim < 0 {
				return nil, errors.Errorf("tensor %q has invalid dimensions %v", v.Name, v.Dimensions)
			}
			size *= dim
		}
		if v.Length != size*bytesPerValue || v.Pos < 0 || v.Pos+v.Length > len(blobs) {
			return nil, errors.Errorf("tensor %q (dimensions %v) has invalid position %d / length %d (%d bytes of data)",
				v.Name, v.Dimensions, v.Pos, v.Length, len(blobs))
		}
		data := make([]float32, size)
		raw := blobs[v.Pos : v.Pos+v.Length]
		for ii := range data {
			data[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[ii*bytesPerValue:]))
		}
		state = append(state, model.NamedTensor{Name: v.Name, Value: tensors.FromFlatDataAndDimensions(data, v.Dimensions...)})
	}
	return state, nil
}

// readPayload returns the decompressed payload of a checkpoint file. It is compliant with uncompressed
// files, which have no header.
func readPayload(f io.ReadSeeker) ([]byte, error) {
	buf := make([]byte, lenBinHeader)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read header")
	}
	if n < lenBinHeader || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return io.ReadAll(f)
	}
	var headerZipLen uint8
	if err := binary.Read(f, binary.BigEndian, &headerZipLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	buf1 := make([]byte, headerZipLen)
	if _, err = io.ReadFull(f, buf1); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf1) != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "compression %q", buf1)
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	payload, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.Wrap(err, "read zip")
	}
	return payload, nil
}

type flushWriter interface {
	Write([]byte) (int, error)
	Close() error
	Flush() error
}

// bufferedWriter adapts a bufio.Writer to flushWriter: Close flushes the data, the underlying
// file is closed by the caller.
type bufferedWriter struct {
	*bufio.Writer
}

func (bw bufferedWriter) Close() error {
	return bw.Flush()
}

// newPayloadWriter writes the header for the format, if any, and returns a writer for the payload.
// The caller must Close the returned writer before closing w.
func newPayloadWriter(w io.Writer, bf BinFormat) (flushWriter, error) {
	if bf == BinUncompressed {
		return bufferedWriter{bufio.NewWriter(w)}, nil
	}
	var h []byte
	h = append(h, []byte(binHeader)...)
	h = append(h, []byte{byte(lenGzipHeader)}...)
	h = append(h, []byte(gzipHeader)...)
	if _, err := w.Write(h); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	return gzip.NewWriter(w), nil
}

package device

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Harness frames. All integers and reals are little-endian; reals are 4 or 8
// bytes wide depending on the kernel precision.
//
// request: header, then
//
//	mode 1: end_time, start_times[slots], params[slots*np], species[slots*ns]
//	mode 2: n_points u32, time_points[n], params[slots*np], species[slots*ns]
//
// reply: "GSSR", status u32, then
//
//	mode 1: species[slots*ns] i32, times[slots]
//	mode 2: result[slots*n*ns] i32
const (
	requestMagic    = "GSSA"
	replyMagic      = "GSSR"
	protocolVersion = 1

	modeStep = 1
	modeAll  = 2
)

type frameHeader struct {
	Magic   [4]byte
	Version uint32
	Mode    uint32
	Bits    uint32
	Threads uint32
	Blocks  uint32
	Species uint32
	Params  uint32
	Seed    uint64
}

// frame describes the shapes shared by a request and its reply.
type frame struct {
	bits    int
	species int
	params  int
}

var le = binary.LittleEndian

func (f frame) header(mode int, g Grid, seed uint64) frameHeader {
	h := frameHeader{
		Version: protocolVersion,
		Mode:    uint32(mode),
		Bits:    uint32(f.bits),
		Threads: uint32(g.Threads),
		Blocks:  uint32(g.Blocks),
		Species: uint32(f.species),
		Params:  uint32(f.params),
		Seed:    seed,
	}
	copy(h.Magic[:], requestMagic)
	return h
}

func (f frame) appendReals(b []byte, vs ...float64) []byte {
	for _, v := range vs {
		if f.bits == 32 {
			b = le.AppendUint32(b, math.Float32bits(float32(v)))
		} else {
			b = le.AppendUint64(b, math.Float64bits(v))
		}
	}
	return b
}

func appendInts(b []byte, vs []int32) []byte {
	for _, v := range vs {
		b = le.AppendUint32(b, uint32(v))
	}
	return b
}

func (f frame) encodeStep(w io.Writer, l StepLaunch) error {
	if err := binary.Write(w, le, f.header(modeStep, l.Grid, l.Seed)); err != nil {
		return err
	}
	b := f.appendReals(nil, l.End)
	b = f.appendReals(b, l.Start...)
	b = f.appendReals(b, l.Params...)
	b = appendInts(b, l.Species)
	_, err := w.Write(b)
	return err
}

func (f frame) encodeAll(w io.Writer, l AllLaunch) error {
	if err := binary.Write(w, le, f.header(modeAll, l.Grid, l.Seed)); err != nil {
		return err
	}
	b := le.AppendUint32(nil, uint32(len(l.Checkpoints)))
	b = f.appendReals(b, l.Checkpoints...)
	b = f.appendReals(b, l.Params...)
	b = appendInts(b, l.Species)
	_, err := w.Write(b)
	return err
}

func readReplyHeader(r io.Reader) error {
	var hdr struct {
		Magic  [4]byte
		Status uint32
	}
	if err := binary.Read(r, le, &hdr); err != nil {
		return fmt.Errorf("read reply header: %w", err)
	}
	if string(hdr.Magic[:]) != replyMagic {
		return fmt.Errorf("bad reply magic %q", hdr.Magic[:])
	}
	if hdr.Status != 0 {
		return fmt.Errorf("harness status %d", hdr.Status)
	}
	return nil
}

func (f frame) readReals(r io.Reader, n int) ([]float64, error) {
	out := make([]float64, n)
	if f.bits == 32 {
		raw := make([]float32, n)
		if err := binary.Read(r, le, raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
		return out, nil
	}
	if err := binary.Read(r, le, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f frame) decodeStep(r io.Reader, slots int) (StepOutput, error) {
	br := bufio.NewReader(r)
	if err := readReplyHeader(br); err != nil {
		return StepOutput{}, err
	}
	out := StepOutput{Species: make([]int32, slots*f.species)}
	if err := binary.Read(br, le, out.Species); err != nil {
		return StepOutput{}, fmt.Errorf("read species: %w", err)
	}
	times, err := f.readReals(br, slots)
	if err != nil {
		return StepOutput{}, fmt.Errorf("read times: %w", err)
	}
	out.Times = times
	return out, nil
}

func (f frame) decodeAll(r io.Reader, slots, points int) ([]int32, error) {
	br := bufio.NewReader(r)
	if err := readReplyHeader(br); err != nil {
		return nil, err
	}
	result := make([]int32, slots*points*f.species)
	if err := binary.Read(br, le, result); err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return result, nil
}

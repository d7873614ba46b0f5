// Package wire implements Caesium's length-prefixed TCP framing for the
// insert and query protocols, shared by the daemon's publisher, the
// server's acceptors and the caesium-cli client.
//
// Frame shape, all integers big-endian:
//
//	insert request:  [1 byte op=1][2 bytes metric-len][metric][8 bytes start][8 bytes end][4 bytes sketch-len][sketch bytes]
//	insert response: [1 byte status]
//	query request:    [1 byte op=2][4 bytes query-len][query text]
//	query response:   [1 byte status][4 bytes payload-len][payload] (JSON table on success, empty on error)
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	OpInsert byte = 1
	OpQuery  byte = 2
)

// InsertRequest is one (metric, window, sketch-bytes) insert.
type InsertRequest struct {
	Metric      string
	Start, End  int64
	SketchBytes []byte
}

func WriteInsertRequest(w io.Writer, req InsertRequest) error {
	if len(req.Metric) > 0xFFFF {
		return fmt.Errorf("wire: metric name too long (%d bytes)", len(req.Metric))
	}
	if _, err := w.Write([]byte{OpInsert}); err != nil {
		return err
	}
	if err := writeU16(w, uint16(len(req.Metric))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, req.Metric); err != nil {
		return err
	}
	if err := writeU64(w, uint64(req.Start)); err != nil {
		return err
	}
	if err := writeU64(w, uint64(req.End)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(req.SketchBytes))); err != nil {
		return err
	}
	_, err := w.Write(req.SketchBytes)
	return err
}

func ReadInsertRequest(r io.Reader) (InsertRequest, error) {
	op, err := readByte(r)
	if err != nil {
		return InsertRequest{}, err
	}
	if op != OpInsert {
		return InsertRequest{}, fmt.Errorf("wire: expected insert op, got %d", op)
	}
	nameLen, err := readU16(r)
	if err != nil {
		return InsertRequest{}, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return InsertRequest{}, err
	}
	start, err := readU64(r)
	if err != nil {
		return InsertRequest{}, err
	}
	end, err := readU64(r)
	if err != nil {
		return InsertRequest{}, err
	}
	skLen, err := readU32(r)
	if err != nil {
		return InsertRequest{}, err
	}
	payload := make([]byte, skLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return InsertRequest{}, err
	}
	return InsertRequest{Metric: string(name), Start: int64(start), End: int64(end), SketchBytes: payload}, nil
}

func WriteInsertResponse(w io.Writer, status byte) error {
	_, err := w.Write([]byte{status})
	return err
}

func ReadInsertResponse(r io.Reader) (byte, error) { return readByte(r) }

// QueryRequest carries the raw query-language text.
type QueryRequest struct {
	Text string
}

func WriteQueryRequest(w io.Writer, req QueryRequest) error {
	if _, err := w.Write([]byte{OpQuery}); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(req.Text))); err != nil {
		return err
	}
	_, err := io.WriteString(w, req.Text)
	return err
}

func ReadQueryRequest(r io.Reader) (QueryRequest, error) {
	op, err := readByte(r)
	if err != nil {
		return QueryRequest{}, err
	}
	if op != OpQuery {
		return QueryRequest{}, fmt.Errorf("wire: expected query op, got %d", op)
	}
	n, err := readU32(r)
	if err != nil {
		return QueryRequest{}, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return QueryRequest{}, err
	}
	return QueryRequest{Text: string(buf)}, nil
}

// QueryResponse carries a status byte and, on success, a JSON-encoded
// exec.Table.
type QueryResponse struct {
	Status  byte
	Payload []byte
}

func WriteQueryResponse(w io.Writer, resp QueryResponse) error {
	if _, err := w.Write([]byte{resp.Status}); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(resp.Payload))); err != nil {
		return err
	}
	_, err := w.Write(resp.Payload)
	return err
}

func ReadQueryResponse(r io.Reader) (QueryResponse, error) {
	status, err := readByte(r)
	if err != nil {
		return QueryResponse{}, err
	}
	n, err := readU32(r)
	if err != nil {
		return QueryResponse{}, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return QueryResponse{}, err
	}
	return QueryResponse{Status: status, Payload: buf}, nil
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

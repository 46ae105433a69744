package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/gobwas/ws"
)

// BufferSize is the size of the fixed read buffer used to reassemble messages.
const BufferSize = 2048

// chunkReader yields the payload of the current message piece by piece.
// eom is true on the chunk that completes the message.
type chunkReader interface {
	ReadChunk(p []byte) (n int, eom bool, err error)
}

// readMessage reads chunks into buf until the end of the message, concatenating
// them in read order. ctx is checked between chunks; a chunk already being
// read is not interrupted.
func readMessage(ctx context.Context, src chunkReader, buf []byte) ([]byte, error) {
	var msg []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, eom, err := src.ReadChunk(buf)
		if err != nil {
			return nil, err
		}
		msg = append(msg, buf[:n]...)
		if eom {
			return msg, nil
		}
	}
}

// frameReader reads websocket frames from r and exposes data-frame payloads as
// chunks. Control frames interleaved with a message are passed to control.
type frameReader struct {
	r         io.Reader
	hdr       ws.Header
	remaining int64
	offset    int
	control   func(hdr ws.Header, payload []byte) error
}

func (fr *frameReader) ReadChunk(p []byte) (int, bool, error) {
	for fr.remaining == 0 {
		hdr, err := ws.ReadHeader(fr.r)
		if err != nil {
			return 0, false, err
		}

		if hdr.OpCode.IsControl() {
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(fr.r, payload); err != nil {
				return 0, false, err
			}
			if hdr.Masked {
				ws.Cipher(payload, hdr.Mask, 0)
			}
			if err := fr.control(hdr, payload); err != nil {
				return 0, false, err
			}
			continue
		}

		if hdr.OpCode == ws.OpBinary {
			return 0, false, fmt.Errorf("unexpected binary frame")
		}

		fr.hdr = hdr
		fr.remaining = hdr.Length
		fr.offset = 0
		if hdr.Length == 0 && hdr.Fin {
			return 0, true, nil
		}
	}

	if int64(len(p)) > fr.remaining {
		p = p[:fr.remaining]
	}
	n, err := io.ReadFull(fr.r, p)
	if err != nil {
		return n, false, err
	}
	if fr.hdr.Masked {
		ws.Cipher(p[:n], fr.hdr.Mask, fr.offset)
	}
	fr.offset += n
	fr.remaining -= int64(n)

	return n, fr.remaining == 0 && fr.hdr.Fin, nil
}

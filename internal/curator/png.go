package curator

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
)

// pngSignature is the 8-byte magic every PNG file begins with.
var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// workflowKeywords are the tEXt/zTXt/iTXt keywords ComfyUI (and similar
// generation tools) embed a workflow or prompt graph under (spec.md
// §4.12: "a PNG with embedded workflow metadata (tEXt chunks keyed
// `workflow` or `prompt`)").
var workflowKeywords = map[string]bool{"workflow": true, "prompt": true}

// ExtractEmbeddedWorkflow scans a PNG's ancillary text chunks (tEXt,
// zTXt, iTXt) for a "workflow" or "prompt" keyword and returns its text
// payload. Returns ok=false if data isn't a PNG or carries none of the
// keywords — not an error, since most images simply don't have one.
//
// There is no library in the retrieval pack that exposes raw PNG text
// chunks (image/png decodes pixels only and discards ancillary chunks),
// so this is a direct implementation of the chunk-walk described in the
// PNG spec.
func ExtractEmbeddedWorkflow(data []byte) (text string, ok bool) {
	if len(data) < 8 || !bytes.Equal(data[:8], pngSignature) {
		return "", false
	}
	r := bytes.NewReader(data[8:])
	for {
		var length uint32
		var chunkType [4]byte
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return "", false
		}
		if _, err := io.ReadFull(r, chunkType[:]); err != nil {
			return "", false
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return "", false
		}
		// skip CRC
		if _, err := r.Seek(4, io.SeekCurrent); err != nil {
			return "", false
		}

		switch string(chunkType[:]) {
		case "tEXt":
			if kw, txt, found := splitNull(payload); found && workflowKeywords[string(kw)] {
				return string(txt), true
			}
		case "zTXt":
			if kw, rest, found := splitNull(payload); found && workflowKeywords[string(kw)] && len(rest) > 1 {
				if txt, err := inflate(rest[1:]); err == nil {
					return txt, true
				}
			}
		case "iTXt":
			if txt, found := parseITXt(payload); found {
				return txt, true
			}
		case "IEND":
			return "", false
		}
	}
}

// splitNull splits a null-separated keyword/value pair as used by tEXt
// and the keyword portion of zTXt.
func splitNull(b []byte) (keyword, rest []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}

// parseITXt decodes an iTXt chunk's keyword and text, inflating the text
// when the chunk's compression flag is set.
func parseITXt(b []byte) (text string, ok bool) {
	kw, rest, found := splitNull(b)
	if !found || !workflowKeywords[string(kw)] || len(rest) < 2 {
		return "", false
	}
	compressed := rest[0] == 1
	rest = rest[2:] // compression flag + compression method
	_, rest, found = splitNull(rest)
	if !found {
		return "", false
	}
	_, rest, found = splitNull(rest)
	if !found {
		return "", false
	}
	if !compressed {
		return string(rest), true
	}
	txt, err := inflate(rest)
	if err != nil {
		return "", false
	}
	return txt, true
}

func inflate(b []byte) (string, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", errors.New("curator: empty inflated chunk")
	}
	return string(out), nil
}

package obfuscate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
)

const (
	dosMagicLen     = 2
	lfanewOffset    = 0x3C
	dosStubStart    = 0x40
	timestampOffset = 8 // into the COFF header, after the PE signature
)

var richSignature = []byte("Rich")

/*
parsePE validates the payload as a PE image and returns the offset of
the "PE\0\0" signature. Anything else is a structural failure for the
binary techniques that do header surgery.
*/
func parsePE(payload []byte) (int, error) {
	if len(payload) < dosStubStart || payload[0] != 'M' || payload[1] != 'Z' {
		return 0, fmt.Errorf("payload is not a PE image")
	}

	peOffset := int(binary.LittleEndian.Uint32(payload[lfanewOffset:]))
	if peOffset <= 0 || peOffset+timestampOffset+4 > len(payload) {
		return 0, fmt.Errorf("e_lfanew points outside the image")
	}

	if !bytes.Equal(payload[peOffset:peOffset+4], []byte{'P', 'E', 0, 0}) {
		return 0, fmt.Errorf("missing PE signature")
	}

	return peOffset, nil
}

/*
metadataStrip randomizes the COFF timestamp at its fixed offset and
zeroes the Rich-header block in the DOS stub when its signature is
present. Total file length and every offset the loader relies on stay
untouched; only header metadata changes, in place.
*/
type metadataStrip struct {
	rng *rand.Rand
}

func (t *metadataStrip) name() string { return "metadata_strip" }

func (t *metadataStrip) apply(payload []byte) ([]byte, []string, error) {
	peOffset, err := parsePE(payload)
	if err != nil {
		return nil, nil, err
	}

	out := append([]byte(nil), payload...)
	var warnings []string

	binary.LittleEndian.PutUint32(out[peOffset+timestampOffset:], t.rng.Uint32())

	if bytes.Contains(out[:peOffset], richSignature) {
		for i := dosStubStart; i < peOffset; i++ {
			out[i] = 0
		}
	} else {
		warnings = append(warnings, "metadata_strip: no Rich header block found")
	}

	return out, warnings, nil
}

/*
importObfuscation scrubs toolchain fingerprint strings, the PDB path in
particular, with same-length seeded printable noise. In-place and
length-preserving, nothing the loader reads moves.
*/
type importObfuscation struct {
	rng *rand.Rand
}

func (t *importObfuscation) name() string { return "import_obfuscation" }

var pdbMarker = []byte(".pdb")

func (t *importObfuscation) apply(payload []byte) ([]byte, []string, error) {
	if _, err := parsePE(payload); err != nil {
		return nil, nil, err
	}

	out := append([]byte(nil), payload...)
	scrubbed := 0

	for at := 0; ; {
		idx := bytes.Index(out[at:], pdbMarker)
		if idx < 0 {
			break
		}

		end := at + idx + len(pdbMarker)

		// walk back over the printable run holding the path
		start := at + idx
		for start > 0 && out[start-1] >= 0x20 && out[start-1] < 0x7F {
			start--
		}

		for i := start; i < end; i++ {
			out[i] = nameAlphabetNum[t.rng.Intn(len(nameAlphabetNum))]
		}

		scrubbed++
		at = end
	}

	if scrubbed == 0 {
		return out, []string{"import_obfuscation: no debug path found"}, nil
	}

	return out, nil, nil
}

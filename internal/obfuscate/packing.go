package obfuscate

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/emarcon/mutaforma/internal/config"
	"github.com/emarcon/mutaforma/internal/execx"
)

const packTimeout = 5 * time.Minute

// upxSignatures are the byte sequences upx leaves behind; replacing
// them breaks a plain "upx -d" and removes the obvious fingerprint.
var upxSignatures = [][]byte{
	[]byte("UPX!"),
	[]byte("Info: This file is packed with the UPX executable packer"),
	[]byte("the UPX Team. All Rights Reserved."),
}

/*
packing compresses the artifact with the external upx binary and then
scrubs the signatures it leaves. upx missing from PATH degrades to a
warning; a failed or timed-out upx run halts the chain, since a
half-packed artifact must not be published.
*/
type packing struct {
	cfg     config.Packing
	rng     *rand.Rand
	workDir string
}

func (t *packing) name() string { return "packing" }

func (t *packing) apply(payload []byte) ([]byte, []string, error) {
	if !execx.Available("upx") {
		return payload, []string{"packing: upx not found in PATH, skipping"}, nil
	}

	level := t.cfg.Level
	if level < 1 || level > 9 {
		level = 9
	}

	target := filepath.Join(t.workDir, fmt.Sprintf("pack-%08x", t.rng.Uint32()))
	if err := os.WriteFile(target, payload, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to stage artifact for packing: %w", err)
	}
	defer os.Remove(target)

	ctx, cancel := context.WithTimeout(context.Background(), packTimeout)
	defer cancel()

	res, err := execx.Run(ctx, t.workDir, nil, "upx", fmt.Sprintf("-%d", level), target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to run upx: %w", err)
	}
	if res.TimedOut {
		return nil, nil, fmt.Errorf("upx timed out after %s", packTimeout)
	}
	if res.ExitCode != 0 {
		return nil, nil, fmt.Errorf("upx exited with %d: %s", res.ExitCode, execx.Tail(res.Output, 512))
	}

	packed, err := os.ReadFile(target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read packed artifact: %w", err)
	}

	return t.scrubSignatures(packed), nil, nil
}

/*
scrubSignatures overwrites every known upx byte sequence with seeded
noise of the same length.
*/
func (t *packing) scrubSignatures(packed []byte) []byte {
	for _, sig := range upxSignatures {
		for at := 0; ; {
			idx := bytes.Index(packed[at:], sig)
			if idx < 0 {
				break
			}

			start := at + idx
			for i := start; i < start+len(sig); i++ {
				packed[i] = byte(t.rng.Intn(256))
			}

			at = start + len(sig)
		}
	}

	return packed
}

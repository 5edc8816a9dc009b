package obfuscate

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/emarcon/mutaforma/internal/config"
)

// xorSignature is the one expression the injected decoder always
// contains. Its presence means the payload already went through this
// technique, and a second application is refused (idempotence guard).
const xorSignature = "(byte)(raw[i] ^ key[i % key.Length])"

/*
stringEncryption replaces every plain string literal with a call to an
injected decoding routine. The transform is a repeating-key byte-wise
XOR with a per-run key drawn from the seeded stream; exactly one
decoder plus its key material is injected per payload unit, into the
first type body. Applying the technique to its own output is detected
and becomes a warning no-op.
*/
type stringEncryption struct {
	cfg     config.StringEncryption
	grammar *Grammar
	rng     *rand.Rand
}

func (t *stringEncryption) name() string { return "string_encryption" }

func (t *stringEncryption) apply(payload []byte) ([]byte, []string, error) {
	text := string(payload)

	if strings.Contains(text, xorSignature) {
		return payload, []string{"string_encryption: payload already encrypted, skipping"}, nil
	}

	keyLength := t.cfg.KeyLength
	if keyLength < 1 {
		keyLength = 16
	}

	key := make([]byte, keyLength)
	for i := range key {
		key[i] = byte(t.rng.Intn(256))
	}

	decoderName := t.freshName(14)
	keyName := t.freshName(14)

	var out strings.Builder
	replaced, prefixed, escaped := 0, 0, 0
	last := 0

	for _, loc := range t.grammar.StringLit.FindAllStringIndex(text, -1) {
		lit := text[loc[0]:loc[1]]

		// verbatim and interpolated strings follow different quoting
		// rules; rewriting the quoted part would leave their prefix
		// dangling in front of the decoder call
		if loc[0] > 0 && (text[loc[0]-1] == '$' || text[loc[0]-1] == '@') {
			prefixed++
			continue
		}

		if len(lit) <= 2 {
			continue
		}
		if strings.Contains(lit, `\`) {
			escaped++
			continue
		}

		plain := lit[1 : len(lit)-1]
		cipher := make([]byte, len(plain))
		for i := 0; i < len(plain); i++ {
			cipher[i] = plain[i] ^ key[i%len(key)]
		}

		out.WriteString(text[last:loc[0]])
		out.WriteString(decoderName + `("` + base64.StdEncoding.EncodeToString(cipher) + `")`)
		last = loc[1]
		replaced++
	}
	out.WriteString(text[last:])

	var warnings []string
	if prefixed > 0 {
		warnings = append(warnings,
			fmt.Sprintf("string_encryption: %d interpolated or verbatim literals left as-is", prefixed))
	}
	if escaped > 0 {
		warnings = append(warnings,
			fmt.Sprintf("string_encryption: %d literals with escape sequences left as-is", escaped))
	}

	if replaced == 0 {
		if len(warnings) == 0 {
			warnings = append(warnings, "string_encryption: no string literals found")
		}

		return payload, warnings, nil
	}

	injected, err := t.inject(out.String(), decoderName, keyName, key)
	if err != nil {
		return nil, nil, err
	}

	return []byte(injected), warnings, nil
}

/*
inject places the decoder routine and its key inside the first type
body. A payload with literals but no type body is not the shape this
technique understands, which is a structural failure.
*/
func (t *stringEncryption) inject(text, decoderName, keyName string, key []byte) (string, error) {
	loc := t.grammar.TypeDecl.FindStringIndex(text)
	if loc == nil {
		return "", fmt.Errorf("no type declaration to host the decoder")
	}

	brace := strings.Index(text[loc[1]:], "{")
	if brace < 0 {
		return "", fmt.Errorf("type declaration has no body")
	}

	at := loc[1] + brace + 1

	var keyLiteral strings.Builder
	for i, b := range key {
		if i > 0 {
			keyLiteral.WriteString(", ")
		}
		keyLiteral.WriteString(strconv.Itoa(int(b)))
	}

	decoder := "\n" +
		"static readonly byte[] " + keyName + " = new byte[] { " + keyLiteral.String() + " };\n" +
		"static string " + decoderName + "(string s) {\n" +
		"    var raw = System.Convert.FromBase64String(s);\n" +
		"    var key = " + keyName + ";\n" +
		"    var clear = new byte[raw.Length];\n" +
		"    for (var i = 0; i < raw.Length; i++) { clear[i] = " + xorSignature + "; }\n" +
		"    return System.Text.Encoding.UTF8.GetString(clear);\n" +
		"}\n"

	return text[:at] + decoder + text[at:], nil
}

/*
freshName draws an identifier from the technique's own seeded stream.
*/
func (t *stringEncryption) freshName(length int) string {
	name := make([]byte, length)
	name[0] = nameAlphabet[t.rng.Intn(len(nameAlphabet))]
	for i := 1; i < length; i++ {
		name[i] = nameAlphabetNum[t.rng.Intn(len(nameAlphabetNum))]
	}

	return string(name)
}

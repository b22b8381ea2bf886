package encryption

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"

	"github.com/rickgao/sockline/internal/middleware"
)

// PluginID is the middleware ID of the encryption entry.
const PluginID = "encryption"

// Options configures the encryption middleware. Events not listed pass
// through untouched.
type Options struct {
	SecretKey     string
	EncryptEvents []string // Outbound events whose payload is encrypted
	DecryptEvents []string // Inbound events whose payload is decrypted
	Logger        *slog.Logger
}

// Plugin returns a middleware entry that encrypts outbound payloads and
// decrypts inbound ones for the configured events. Failures are logged and
// the original payload continues down the chain.
func Plugin(opts Options) (middleware.Entry, error) {
	c, err := NewCipher(opts.SecretKey)
	if err != nil {
		return middleware.Entry{}, fmt.Errorf("encryption plugin: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "encryption")

	encrypt := toSet(opts.EncryptEvents)
	decrypt := toSet(opts.DecryptEvents)

	return middleware.Entry{
		ID: PluginID,
		Emit: func(event string, payload json.RawMessage, next middleware.EmitNext) {
			if _, ok := encrypt[event]; !ok {
				next(event, payload)
				return
			}
			sealed, err := seal(c, payload)
			if err != nil {
				logger.Error("encryption failed", "event", event, "error", err)
				next(event, payload)
				return
			}
			next(event, sealed)
		},
		On: func(event string, payload json.RawMessage, next middleware.OnNext) {
			if _, ok := decrypt[event]; !ok {
				next(payload)
				return
			}
			opened, err := open(c, payload)
			if err != nil {
				logger.Error("decryption failed", "event", event, "error", err)
				next(payload)
				return
			}
			next(opened)
		},
	}, nil
}

// seal encrypts the JSON payload and wraps the result as a JSON string.
func seal(c *Cipher, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	ciphertext, err := c.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(ciphertext)
}

// open expects a JSON string ciphertext and returns the decrypted JSON.
func open(c *Cipher, payload json.RawMessage) (json.RawMessage, error) {
	var ciphertext string
	if err := sonic.Unmarshal(payload, &ciphertext); err != nil {
		return nil, fmt.Errorf("payload is not a ciphertext string: %w", err)
	}
	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("decrypted payload is not JSON")
	}
	return plaintext, nil
}

func toSet(events []string) map[string]struct{} {
	set := make(map[string]struct{}, len(events))
	for _, e := range events {
		set[e] = struct{}{}
	}
	return set
}

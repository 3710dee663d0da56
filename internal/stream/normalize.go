// Package stream turns filtered stream subscriptions into archive items.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/receipts/internal/archiver"
)

// DefaultStatusURL renders the public page of a status from (author, id).
const DefaultStatusURL = "https://twitter.com/%s/status/%s"

// replyField marks a record as a status. Control messages such as limit notices,
// deletes and disconnects never carry it.
const replyField = "in_reply_to_status_id"

// Normalization errors.
var (
	ErrNotStatus = errors.New("record is not a status")
	ErrMalformed = errors.New("malformed status")
)

// Normalizer converts raw stream records into archiver.Items.
type Normalizer struct {
	statusURL string
}

// NewNormalizer returns a Normalizer using statusURL as the canonical URL template;
// empty selects DefaultStatusURL.
func NewNormalizer(statusURL string) Normalizer {
	if statusURL == "" {
		statusURL = DefaultStatusURL
	}
	return Normalizer{statusURL: statusURL}
}

type statusFields struct {
	IDStr    string          `json:"id_str"`
	ID       json.RawMessage `json:"id"`
	Text     string          `json:"text"`
	FullText string          `json:"full_text"`
	User     struct {
		ScreenName string `json:"screen_name"`
	} `json:"user"`
}

// Normalize parses raw and returns the item along with its text for logging.
// Records without the reply-reference field return ErrNotStatus; records that have it
// but lack an id or author return ErrMalformed.
func (n Normalizer) Normalize(raw []byte) (archiver.Item, string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return archiver.Item{}, "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if _, ok := top[replyField]; !ok {
		return archiver.Item{}, "", ErrNotStatus
	}

	var fields statusFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return archiver.Item{}, "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	id := strings.TrimSpace(fields.IDStr)
	if id == "" {
		var err error
		if id, err = rawID(fields.ID); err != nil {
			return archiver.Item{}, "", fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}
	author := strings.TrimSpace(fields.User.ScreenName)
	if id == "" {
		return archiver.Item{}, "", fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if author == "" {
		return archiver.Item{}, "", fmt.Errorf("%w: missing user.screen_name", ErrMalformed)
	}

	text := fields.Text
	if text == "" {
		text = fields.FullText
	}
	return archiver.NewItem(id, author, raw, fmt.Sprintf(n.statusURL, author, id)), text, nil
}

// rawID accepts the id as a JSON string or number literal; null or absent yields "".
func rawID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode id: %w", err)
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode id: %w", err)
	}
	return n.String(), nil
}

package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTextChars is the longest accepted chat line, in characters.
const MaxTextChars = 240

var (
	ErrEmpty       = errors.New("chat: message is empty")
	ErrTooLong     = fmt.Errorf("chat: message exceeds %d characters", MaxTextChars)
	ErrInvalidUTF8 = errors.New("chat: message contains invalid UTF-8")
	ErrTooFast     = errors.New("chat: sending too fast")
)

// Validate trims text and checks it is non-empty, valid UTF-8 and at most
// MaxTextChars characters. It returns the trimmed text.
func Validate(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", ErrInvalidUTF8
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", ErrTooLong
	}
	return text, nil
}

// Notice returns the user-facing text for a rejected message.
func Notice(err error) string {
	switch {
	case errors.Is(err, ErrEmpty):
		return "Message cannot be empty."
	case errors.Is(err, ErrTooLong):
		return fmt.Sprintf("Message is too long. Max %d characters.", MaxTextChars)
	case errors.Is(err, ErrTooFast):
		return "You are sending messages too fast."
	case errors.Is(err, ErrInvalidUTF8):
		return "Message contains invalid characters."
	}
	return "Message could not be sent."
}

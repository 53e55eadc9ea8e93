package inbox

import (
	"errors"
	"strings"
)

// Defaults supplies auto-filled values for incoming instruction files.
type Defaults struct {
	Mode string
}

var errEmptyBody = errors.New("instruction: empty body")

// Message is one parsed operator instruction file. Mode "influence" steers
// the next decision; anything else is recorded but ignored by the engine.
type Message struct {
	Mode        string
	Instruction string
}

// ParseMessage parses an instruction file. The format is optional
// "key: value" headers, a "---" separator, and the instruction body. Files
// without a separator are treated as bare instruction text.
func ParseMessage(data []byte, defaults Defaults) (*Message, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, errEmptyBody
	}

	lines := strings.Split(text, "\n")
	separator := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "---" {
			separator = i
			break
		}
	}

	msg := Message{Mode: defaults.Mode}
	if separator == -1 {
		msg.Instruction = strings.TrimSpace(text)
	} else {
		for _, line := range lines[:separator] {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			colon := strings.Index(line, ":")
			if colon == -1 {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(line[:colon]))
			value := strings.TrimSpace(line[colon+1:])
			switch key {
			case "mode":
				msg.Mode = strings.ToLower(value)
			}
		}
		msg.Instruction = strings.TrimSpace(strings.Join(lines[separator+1:], "\n"))
	}

	if msg.Instruction == "" {
		return nil, errEmptyBody
	}
	if msg.Mode == "" {
		msg.Mode = "influence"
	}
	return &msg, nil
}

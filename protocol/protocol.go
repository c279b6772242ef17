package protocol

import (
	"errors"
	"strings"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
)

// Verb is the leading keyword of a client line.
type Verb string

const (
	VerbRegister   Verb = "REGISTER"
	VerbLogin      Verb = "LOGIN"
	VerbMsg        Verb = "MSG"
	VerbFileHeader Verb = "FILE_HDR"
	VerbFileData   Verb = "FILE_DATA"
	VerbFile       Verb = "FILE"
	VerbQuit       Verb = "QUIT"
)

// RequiresAuth reports whether the verb is only accepted after LOGIN.
func (v Verb) RequiresAuth() bool {
	switch v {
	case VerbMsg, VerbFileHeader, VerbFileData, VerbFile:
		return true
	}
	return false
}

// Command is one parsed client line.
type Command interface {
	Verb() Verb
}

type Register struct {
	ID       string
	Username string
	Password string
}

type Login struct {
	ID       string
	Username string
	Password string
}

// Msg addresses Recipient, which may be BroadcastRecipient.
type Msg struct {
	Recipient string
	Text      string
}

// FileHeader announces an upload. Size is kept verbatim so that the
// transfer pipeline can report a non-numeric value against the filename.
type FileHeader struct {
	Recipient string
	Filename  string
	Size      string
}

// FileData carries a base64 payload. Legacy is set for the single-step FILE
// command, which is not preceded by a FileHeader.
type FileData struct {
	Recipient string
	Filename  string
	Payload   string
	Legacy    bool
}

type Quit struct{}

func (Register) Verb() Verb   { return VerbRegister }
func (Login) Verb() Verb      { return VerbLogin }
func (Msg) Verb() Verb        { return VerbMsg }
func (FileHeader) Verb() Verb { return VerbFileHeader }
func (Quit) Verb() Verb       { return VerbQuit }

func (d FileData) Verb() Verb {
	if d.Legacy {
		return VerbFile
	}
	return VerbFileData
}

// ParseError reports a known verb whose fields could not be split.
type ParseError struct {
	Verb  Verb
	Usage string
}

func (e *ParseError) Error() string {
	return "invalid " + string(e.Verb) + " packet, expected " + e.Usage
}

var usages = map[Verb]string{
	VerbRegister:   "REGISTER id|usuario|password",
	VerbLogin:      "LOGIN id|usuario|password",
	VerbFileHeader: "FILE_HDR recipient|filename|size",
	VerbFileData:   "FILE_DATA recipient|filename|base64",
	VerbFile:       "FILE recipient|filename|base64",
}

// Usage returns the field layout quoted in format errors for verb.
func Usage(verb Verb) string {
	return usages[verb]
}

var prefixes = []struct {
	verb   Verb
	prefix string
}{
	{VerbRegister, "REGISTER "},
	{VerbLogin, "LOGIN "},
	{VerbMsg, "MSG "},
	{VerbFile, "FILE "},
	{VerbFileHeader, "FILE_HDR "},
	{VerbFileData, "FILE_DATA "},
}

// Parse turns one line into a Command. The trailing newline, if any, is
// stripped. Unknown verbs yield ErrUnknownCommand; a known verb with missing
// fields yields *ParseError.
func Parse(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	if line == string(VerbQuit) {
		return Quit{}, nil
	}

	for _, p := range prefixes {
		if !strings.HasPrefix(line, p.prefix) {
			continue
		}
		payload := line[len(p.prefix):]
		return parsePayload(p.verb, payload)
	}

	return nil, ErrUnknownCommand
}

func parsePayload(verb Verb, payload string) (Command, error) {
	switch verb {
	case VerbRegister, VerbLogin:
		parts := strings.SplitN(payload, "|", 3)
		if len(parts) < 3 {
			return nil, &ParseError{Verb: verb, Usage: Usage(verb)}
		}
		if verb == VerbRegister {
			return Register{ID: parts[0], Username: parts[1], Password: parts[2]}, nil
		}
		return Login{ID: parts[0], Username: parts[1], Password: parts[2]}, nil

	case VerbMsg:
		parts := strings.SplitN(payload, "|", 2)
		if len(parts) < 2 {
			// No recipient: the whole payload goes to everyone.
			return Msg{Recipient: BroadcastRecipient, Text: payload}, nil
		}
		return Msg{Recipient: parts[0], Text: parts[1]}, nil

	case VerbFileHeader:
		parts := strings.SplitN(payload, "|", 3)
		if len(parts) < 3 {
			return nil, &ParseError{Verb: verb, Usage: Usage(verb)}
		}
		return FileHeader{Recipient: parts[0], Filename: parts[1], Size: parts[2]}, nil

	case VerbFileData, VerbFile:
		parts := strings.SplitN(payload, "|", 3)
		if len(parts) < 3 {
			return nil, &ParseError{Verb: verb, Usage: Usage(verb)}
		}
		return FileData{
			Recipient: parts[0],
			Filename:  parts[1],
			Payload:   parts[2],
			Legacy:    verb == VerbFile,
		}, nil
	}

	return nil, ErrUnknownCommand
}

package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Command
	}{
		{"register", "REGISTER 1|alice|secret\n", Register{ID: "1", Username: "alice", Password: "secret"}},
		{"login with crlf", "LOGIN 2|bob|pw\r\n", Login{ID: "2", Username: "bob", Password: "pw"}},
		{"password keeps pipes", "LOGIN 2|bob|a|b|c", Login{ID: "2", Username: "bob", Password: "a|b|c"}},
		{"unicast", "MSG bob|hola", Msg{Recipient: "bob", Text: "hola"}},
		{"text keeps pipes", "MSG bob|a|b", Msg{Recipient: "bob", Text: "a|b"}},
		{"no recipient is broadcast", "MSG hola a todos", Msg{Recipient: BroadcastRecipient, Text: "hola a todos"}},
		{"file header", "FILE_HDR bob|notes.txt|500", FileHeader{Recipient: "bob", Filename: "notes.txt", Size: "500"}},
		{"file data", "FILE_DATA bob|notes.txt|aGk=", FileData{Recipient: "bob", Filename: "notes.txt", Payload: "aGk="}},
		{"legacy file", "FILE ALL|a.bin|AAA=", FileData{Recipient: "ALL", Filename: "a.bin", Payload: "AAA=", Legacy: true}},
		{"quit", "QUIT\n", Quit{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		line  string
		verb  Verb
		usage string
	}{
		{"REGISTER 1|alice", VerbRegister, "REGISTER id|usuario|password"},
		{"LOGIN alice", VerbLogin, "LOGIN id|usuario|password"},
		{"FILE_HDR bob|notes.txt", VerbFileHeader, "FILE_HDR recipient|filename|size"},
		{"FILE_DATA bob", VerbFileData, "FILE_DATA recipient|filename|base64"},
		{"FILE bob|x.txt", VerbFile, "FILE recipient|filename|base64"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := Parse(tt.line)
			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, tt.verb, pe.Verb)
			require.Equal(t, tt.usage, pe.Usage)
		})
	}
}

func TestParseUnknown(t *testing.T) {
	for _, line := range []string{"HELLO", "QUIT now", "MSG", "quit", "FILEX a|b|c", "LOGIN"} {
		_, err := Parse(line)
		require.ErrorIs(t, err, ErrUnknownCommand, line)
	}
}

func TestRequiresAuth(t *testing.T) {
	require.False(t, VerbRegister.RequiresAuth())
	require.False(t, VerbLogin.RequiresAuth())
	require.False(t, VerbQuit.RequiresAuth())
	require.True(t, VerbMsg.RequiresAuth())
	require.True(t, VerbFileHeader.RequiresAuth())
	require.True(t, VerbFileData.RequiresAuth())
	require.True(t, VerbFile.RequiresAuth())
}

func TestResponses(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("X", 2*3600))

	require.Equal(t, "USERS alice,bob", Users([]string{"alice", "bob"}))
	require.Equal(t, "USERS ", Users(nil))
	require.Equal(t, "MSGFROM alice|hola", MsgFrom("alice", "hola"))
	require.Equal(t, "MSG_ECHO alice|bob|hola", MsgEcho("alice", "bob", "hola"))
	require.Equal(t, "FILEFROM alice|n.txt|aGk=", FileFrom("alice", "n.txt", "aGk="))
	require.Equal(t, "FILE_STATUS n.txt|OK", FileStatusOK("n.txt"))
	require.Equal(t, "FILE_STATUS n.txt|ERROR|base64_invalido", FileStatusError("n.txt", "base64_invalido"))
	require.Equal(t, "FILE_HDR_STATUS virus.exe|ERROR|ext_no_permitida", FileHeaderError("virus.exe", "ext_no_permitida"))
	require.Equal(t, "HISTMSG alice|bob|hola|2024-05-01T10:30:00Z", HistMsg("alice", "bob", "hola", ts))
	require.Equal(t, "HISTFILE alice|ALL|n.txt|aGk=|2024-05-01T10:30:00Z", HistFile("alice", "ALL", "n.txt", "aGk=", ts))
	require.Equal(t, "(archivo) n.txt", FileNotice("n.txt"))
}

func TestFormatError(t *testing.T) {
	_, err := Parse("REGISTER x")
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "ERROR formato REGISTER id|usuario|password", FormatError(pe))

	_, err = Parse("FILE_HDR x")
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "FILE_HDR_STATUS |ERROR|formato_hdr_invalido", FormatError(pe))
}

func TestIsBroadcast(t *testing.T) {
	require.True(t, IsBroadcast("ALL"))
	require.True(t, IsBroadcast("all"))
	require.False(t, IsBroadcast("alice"))
}

func TestParseMsgRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		recipient := rapid.StringMatching(`[a-zA-Z0-9_]{1,12}`).Draw(t, "recipient")
		text := rapid.StringMatching(`[^\r\n]{0,64}`).Draw(t, "text")

		cmd, err := Parse("MSG " + recipient + "|" + text + "\n")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		msg, ok := cmd.(Msg)
		if !ok {
			t.Fatalf("got %T", cmd)
		}
		if msg.Recipient != recipient || msg.Text != text {
			t.Fatalf("got %+v", msg)
		}
	})
}

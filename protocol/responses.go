package protocol

import (
	"strings"
	"time"
)

// BroadcastRecipient addresses every registered user.
const BroadcastRecipient = "ALL"

// Fixed server replies.
const (
	Welcome    = "WELCOME"
	Registered = "REGISTERED"
	Logged     = "LOGGED"
	Sent       = "SENT"
	Bye        = "BYE"
)

// Error codes carried by ERROR lines.
const (
	CodeUserExists           = "usuario_existente"
	CodeBadCredentials       = "credenciales"
	CodeNotAuthenticated     = "no_autenticado"
	CodeUnknownCommand       = "comando_desconocido"
	CodeAlreadyAuthenticated = "ya_autenticado"
	CodeBadHeader            = "formato_hdr_invalido"
)

// TimestampLayout is used for the trailing field of HISTMSG and HISTFILE.
const TimestampLayout = time.RFC3339

const filePrefix = "(archivo) "

// IsBroadcast reports whether recipient is the broadcast sentinel.
func IsBroadcast(recipient string) bool {
	return strings.EqualFold(recipient, BroadcastRecipient)
}

// FileNotice is the chat text shown for a transferred file.
func FileNotice(filename string) string {
	return filePrefix + filename
}

func Error(code string) string {
	return "ERROR " + code
}

// FormatError is the reply to a known verb with missing fields.
func FormatError(e *ParseError) string {
	if e.Verb == VerbFileHeader {
		return FileHeaderError("", CodeBadHeader)
	}
	return Error("formato " + e.Usage)
}

// Users lists names in the order given.
func Users(names []string) string {
	return "USERS " + strings.Join(names, ",")
}

func MsgFrom(sender, text string) string {
	return "MSGFROM " + sender + "|" + text
}

func MsgEcho(sender, recipient, text string) string {
	return "MSG_ECHO " + sender + "|" + recipient + "|" + text
}

func FileFrom(sender, filename, payload string) string {
	return "FILEFROM " + sender + "|" + filename + "|" + payload
}

func FileStatusOK(filename string) string {
	return "FILE_STATUS " + filename + "|OK"
}

func FileStatusError(filename, reason string) string {
	return "FILE_STATUS " + filename + "|ERROR|" + reason
}

func FileHeaderOK(filename string) string {
	return "FILE_HDR_STATUS " + filename + "|OK"
}

func FileHeaderError(filename, reason string) string {
	return "FILE_HDR_STATUS " + filename + "|ERROR|" + reason
}

func HistMsg(sender, receiver, content string, ts time.Time) string {
	return "HISTMSG " + sender + "|" + receiver + "|" + content + "|" + ts.UTC().Format(TimestampLayout)
}

func HistFile(sender, receiver, filename, payload string, ts time.Time) string {
	return "HISTFILE " + sender + "|" + receiver + "|" + filename + "|" + payload + "|" + ts.UTC().Format(TimestampLayout)
}

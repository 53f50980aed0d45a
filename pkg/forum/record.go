package forum

import (
	"fmt"
	"strconv"
	"strings"
)

// RecordKind distinguishes the two record types stored in a thread file.
type RecordKind int

const (
	// KindMessage is a numbered post: "<seq> <author>: <body>".
	KindMessage RecordKind = iota

	// KindAudit is an unnumbered transfer record: "<actor> <verb> <filename>".
	KindAudit
)

// Audit verbs. These are the only two verbs that appear in thread files.
const (
	VerbUploaded   = "uploaded"
	VerbDownloaded = "downloaded"
)

// Record is a single line of a thread file after the creator line.
//
// For KindMessage, Seq, Author and Body are set. Sequence numbers of message
// records are dense 1..N counting only message records; audit records are
// interleaved but never numbered.
//
// For KindAudit, Author holds the actor and Verb/Filename describe the
// completed transfer.
type Record struct {
	Kind     RecordKind
	Seq      int
	Author   string
	Body     string
	Verb     string
	Filename string
}

// Message builds a message record.
func Message(seq int, author, body string) Record {
	return Record{Kind: KindMessage, Seq: seq, Author: author, Body: body}
}

// Audit builds an audit record.
func Audit(actor, verb, filename string) Record {
	return Record{Kind: KindAudit, Author: actor, Verb: verb, Filename: filename}
}

// String renders the record in its on-disk line format (no trailing newline).
func (r Record) String() string {
	if r.Kind == KindAudit {
		return fmt.Sprintf("%s %s %s", r.Author, r.Verb, r.Filename)
	}
	return fmt.Sprintf("%d %s: %s", r.Seq, r.Author, r.Body)
}

// ParseRecord parses one thread-file line into a Record.
//
// A line is a message record when its first token is an integer and its second
// token ends with ':'. Everything else with exactly three tokens and a known
// verb in the middle is an audit record. Anything else is malformed.
func ParseRecord(line string) (Record, error) {
	parts := strings.SplitN(line, " ", 3)

	if len(parts) >= 2 && strings.HasSuffix(parts[1], ":") {
		if seq, err := strconv.Atoi(parts[0]); err == nil {
			body := ""
			if len(parts) == 3 {
				body = parts[2]
			}
			return Record{
				Kind:   KindMessage,
				Seq:    seq,
				Author: strings.TrimSuffix(parts[1], ":"),
				Body:   body,
			}, nil
		}
	}

	if len(parts) == 3 && (parts[1] == VerbUploaded || parts[1] == VerbDownloaded) {
		return Record{
			Kind:     KindAudit,
			Author:   parts[0],
			Verb:     parts[1],
			Filename: parts[2],
		}, nil
	}

	return Record{}, fmt.Errorf("malformed thread record: %q", line)
}

// Renumber reassigns dense sequence numbers 1..N to the message records in
// their stored order. Audit records keep their position and are untouched.
func Renumber(records []Record) {
	seq := 0
	for i := range records {
		if records[i].Kind != KindMessage {
			continue
		}
		seq++
		records[i].Seq = seq
	}
}

// CountMessages returns the number of message records, excluding audit records.
func CountMessages(records []Record) int {
	n := 0
	for _, r := range records {
		if r.Kind == KindMessage {
			n++
		}
	}
	return n
}

// FindMessage returns the index of the message record carrying sequence number
// seq, or -1 if no message record has that number.
func FindMessage(records []Record, seq int) int {
	for i, r := range records {
		if r.Kind == KindMessage && r.Seq == seq {
			return i
		}
	}
	return -1
}

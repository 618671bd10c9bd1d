package ot

import (
	"fmt"
	"unicode/utf8"
)

// Document is a text buffer addressed in code points.
type Document struct {
	runes []rune
}

// NewDocument creates a document holding content.
func NewDocument(content string) *Document {
	return &Document{runes: []rune(content)}
}

// Content returns the current text.
func (d *Document) Content() string {
	return string(d.runes)
}

// Len returns the document length in code points.
func (d *Document) Len() int {
	return len(d.runes)
}

// Slice returns the text between start and end, clamped to the document.
func (d *Document) Slice(start, end int) string {
	start = min(max(start, 0), len(d.runes))
	end = min(max(end, start), len(d.runes))
	return string(d.runes[start:end])
}

// Reset replaces the whole text.
func (d *Document) Reset(content string) {
	d.runes = []rune(content)
}

// Apply applies an operation to the document
func (d *Document) Apply(op Operation) error {
	if err := Validate(op); err != nil {
		return err
	}

	switch op.Type {
	case OpInsert:
		if op.Position > len(d.runes) {
			return fmt.Errorf("invalid insert position: %d (content length: %d)",
				op.Position, len(d.runes))
		}
		ins := []rune(op.Content)
		out := make([]rune, 0, len(d.runes)+len(ins))
		out = append(out, d.runes[:op.Position]...)
		out = append(out, ins...)
		d.runes = append(out, d.runes[op.Position:]...)

	case OpDelete:
		if op.End() > len(d.runes) {
			return fmt.Errorf("invalid delete range: %d-%d (content length: %d)",
				op.Position, op.End(), len(d.runes))
		}
		d.runes = append(d.runes[:op.Position:op.Position], d.runes[op.End():]...)
	}

	return nil
}

// ApplyString applies op to s and returns the result.
func ApplyString(s string, op Operation) (string, error) {
	d := NewDocument(s)
	if err := d.Apply(op); err != nil {
		return s, err
	}
	return d.Content(), nil
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides styled terminal output for the Aleutian CLIs.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// boxWidth is the wrap width of boxed output.
const boxWidth = 72

// Printer writes styled lines to one writer at one personality level.
//
// # Description
//
// At PersonalityMachine every method prints a plain line with an upper
// case prefix ("OK:", "WARN:", "ERROR:") or a tab separated record so
// the output can be piped into other tools. Titles, muted text and
// prompts are suppressed at that level.
//
// # Thread Safety
//
// Not safe for concurrent use; a REPL owns its printer.
type Printer struct {
	out   io.Writer
	level PersonalityLevel
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer, level PersonalityLevel) *Printer {
	return &Printer{out: out, level: level}
}

// Level returns the printer's personality level.
func (p *Printer) Level() PersonalityLevel {
	return p.level
}

func (p *Printer) machine() bool {
	return p.level == PersonalityMachine
}

// Title prints a styled title
func (p *Printer) Title(text string) {
	if p.machine() {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func (p *Printer) Error(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational line
func (p *Printer) Info(text string) {
	if p.machine() {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text
func (p *Printer) Muted(text string) {
	if p.machine() {
		return
	}
	fmt.Fprintln(p.out, Styles.Muted.Render(text))
}

// Prompt prints the input prompt without a newline.
func (p *Printer) Prompt(label string) {
	if p.machine() {
		return
	}
	fmt.Fprint(p.out, Styles.Highlight.Render(label+" "+string(IconArrow))+" ")
}

// Box prints content in a rounded box under title.
func (p *Printer) Box(title, content string) {
	if p.level != PersonalityFull {
		if title != "" {
			fmt.Fprintf(p.out, "%s: %s\n", title, content)
		} else {
			fmt.Fprintln(p.out, content)
		}
		return
	}
	body := content
	if title != "" {
		body = Styles.Title.Render(title) + "\n" + content
	}
	fmt.Fprintln(p.out, Styles.Box.Width(boxWidth).Render(body))
}

// WarningBox prints content in a warning-styled box.
func (p *Printer) WarningBox(title, content string) {
	if p.level != PersonalityFull {
		fmt.Fprintf(p.out, "WARN %s: %s\n", title, content)
		return
	}
	titleLine := Styles.Warning.Bold(true).Render(title)
	fmt.Fprintln(p.out, Styles.WarningBox.Width(boxWidth).Render(titleLine+"\n"+content))
}

// KeyValue prints one labelled field.
func (p *Printer) KeyValue(key, value string) {
	if p.machine() {
		fmt.Fprintf(p.out, "%s\t%s\n", key, value)
		return
	}
	if value == "" {
		value = Styles.Muted.Render("(empty)")
	}
	fmt.Fprintf(p.out, "  %s %s\n", Styles.Bold.Render(key+":"), value)
}

// Entry prints one transcript line: a role, an optional name, and the
// content on a single line.
func (p *Printer) Entry(index int, role, name, content string, isError bool) {
	content = strings.ReplaceAll(strings.TrimSpace(content), "\n", " ")
	if p.machine() {
		fmt.Fprintf(p.out, "%d\t%s\t%s\t%s\n", index, role, name, content)
		return
	}
	label := role
	if name != "" {
		label += "(" + name + ")"
	}
	style := Styles.Subtitle
	if isError {
		style = Styles.Error
	}
	fmt.Fprintf(p.out, "%s %s %s\n",
		Styles.Muted.Render(fmt.Sprintf("%3d", index)), style.Render(label+":"), content)
}

package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"pinentrybox/internal/assuan"
)

// contentWidth bounds the Content column so long D payloads wrap.
const contentWidth = 72

// exchange is one command sent by `send` and the records it got back.
type exchange struct {
	command   string
	responses []assuan.Response
}

// renderTranscript prints exchanges as a Command/Kind/Content table, one
// separated block per command. Only the verb of each command is shown.
func renderTranscript(exchanges []exchange, colorize bool) string {
	if len(exchanges) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Command", "Kind", "Content"})

	for i, ex := range exchanges {
		if i > 0 {
			tw.AppendSeparator()
		}
		if len(ex.responses) == 0 {
			tw.AppendRow(table.Row{commandVerb(ex.command), "", ""})
			continue
		}
		for j, resp := range ex.responses {
			label := ""
			if j == 0 {
				label = commandVerb(ex.command)
			}
			tw.AppendRow(table.Row{label, kindCell(resp.Kind, colorize), responseContent(resp)})
		}
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignCenter},
		{Number: 3, Align: text.AlignLeft, WidthMax: contentWidth, WidthMaxEnforcer: text.WrapHard},
	})
	return tw.Render()
}

func kindCell(kind assuan.Kind, colorize bool) string {
	label := kind.String()
	if !colorize {
		return label
	}
	color := ""
	switch kind {
	case assuan.KindOK:
		color = ansiGreen
	case assuan.KindErr:
		color = ansiRed
	case assuan.KindStatus, assuan.KindInquire:
		color = ansiYellow
	case assuan.KindComment:
		color = ansiBlue
	}
	if color == "" {
		return label
	}
	return color + label + ansiReset
}

func responseContent(resp assuan.Response) string {
	switch resp.Kind {
	case assuan.KindData:
		return string(resp.Payload)
	case assuan.KindErr:
		return fmt.Sprintf("%d %s", resp.Code, resp.Message)
	case assuan.KindStatus, assuan.KindInquire:
		return strings.TrimSpace(resp.Keyword + " " + resp.Rest)
	default:
		return resp.Text
	}
}

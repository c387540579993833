package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/research/internal/catalog"
	"github.com/xiaot623/gogo/research/internal/domain"
	"github.com/xiaot623/gogo/research/internal/stream"
)

var (
	askSession string
	askSkill   string
	askFields  map[string]string
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Ask a research question and stream the answer",
	Long: `Ask a research question and stream the answer.

Without --field values the service replies with a form listing the fields
it needs. Answer it by asking again with the same --session and the values:

  researchctl ask --session s1 "Research homestays"
  researchctl ask --session s1 --field location=Dali --field budget=1M "Research homestays"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := buildChatRequest(askSession, askSkill, strings.Join(args, " "), askFields)

		resp, err := newAPI().chat(cmd.Context(), req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		sum, err := renderStream(resp.Body, os.Stdout, os.Stderr)
		fmt.Fprintf(os.Stderr, "\nsession: %s  run: %s\n", resp.Header.Get("X-Session-ID"), resp.Header.Get("X-Run-ID"))
		if err != nil {
			return err
		}
		if sum.NeedsInput {
			fmt.Fprintln(os.Stderr, "answer with --field name=value and the same --session")
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "session id (generated by the server when empty)")
	askCmd.Flags().StringVar(&askSkill, "skill", "", "skill name (server default when empty)")
	askCmd.Flags().StringToStringVarP(&askFields, "field", "f", nil, "field value as name=value, repeatable")
}

// buildChatRequest builds a one-turn conversation. Field values are sent as
// the answer to an ask_question call, the way a UI client would.
func buildChatRequest(sessionID, skill, message string, fields map[string]string) domain.ChatRequest {
	messages := []domain.ChatMessage{{Role: "user", Content: message}}
	if len(fields) > 0 {
		result, _ := json.Marshal(map[string]interface{}{"fieldValues": fields})
		messages = append(messages, domain.ChatMessage{
			Role: "assistant",
			ToolInvocations: []domain.ToolInvocation{{
				ToolCallID: "cli_fields",
				ToolName:   "ask_question",
				State:      "result",
				Result:     result,
			}},
		})
	}
	return domain.ChatRequest{ID: sessionID, Skill: skill, Messages: messages}
}

// streamSummary is what renderStream saw.
type streamSummary struct {
	Finished   bool
	NeedsInput bool
	FileIDs    []string
}

type rawAnnotation struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// renderStream prints answer text to out and progress to info until the
// finish part. An error part ends the stream with an error.
func renderStream(r io.Reader, out, info io.Writer) (streamSummary, error) {
	var sum streamSummary
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		code, payload, err := stream.ParsePart(line)
		if err != nil {
			return sum, err
		}

		switch code {
		case stream.PartText:
			var text string
			if err := json.Unmarshal(payload, &text); err != nil {
				return sum, err
			}
			fmt.Fprint(out, text)

		case stream.PartAnnotations:
			var anns []rawAnnotation
			if err := json.Unmarshal(payload, &anns); err != nil {
				return sum, err
			}
			for _, a := range anns {
				printAnnotation(info, a, &sum)
			}

		case stream.PartToolCall:
			var call domain.ToolCallPart
			if err := json.Unmarshal(payload, &call); err != nil {
				return sum, err
			}
			if call.ToolName == "ask_question" {
				sum.NeedsInput = true
				printForm(info, call.Args)
				continue
			}
			fmt.Fprintf(info, "\n[tool] %s %s\n", call.ToolName, call.Args)

		case stream.PartToolResult:
			var res domain.ToolResultPart
			if err := json.Unmarshal(payload, &res); err != nil {
				return sum, err
			}
			fmt.Fprintf(info, "[tool result] %s (%d bytes)\n", res.ToolCallID, len(res.Result))

		case stream.PartFinishMessage:
			sum.Finished = true

		case stream.PartError:
			var msg string
			_ = json.Unmarshal(payload, &msg)
			return sum, fmt.Errorf("server error: %s", msg)
		}
	}
	if err := sc.Err(); err != nil {
		return sum, err
	}
	if !sum.Finished {
		return sum, errors.New("stream ended before the answer finished")
	}
	fmt.Fprintln(out)
	return sum, nil
}

func printAnnotation(w io.Writer, a rawAnnotation, sum *streamSummary) {
	switch a.Type {
	case domain.AnnotationSkillStep:
		var s domain.StepAnnotation
		if json.Unmarshal(a.Data, &s) == nil {
			fmt.Fprintf(w, "[step %d] %s %s\n", s.StepNumber, s.ToolName, s.State)
		}
	case domain.AnnotationSkillFallback:
		var f domain.FallbackAnnotation
		if json.Unmarshal(a.Data, &f) == nil {
			fmt.Fprintf(w, "[fallback] %s\n", f.Reason)
		}
	case domain.AnnotationSkillFiles:
		var f domain.FilesAnnotation
		if json.Unmarshal(a.Data, &f) == nil {
			sum.FileIDs = append(sum.FileIDs, f.FileIDs...)
			fmt.Fprintf(w, "[files] %s\n", strings.Join(f.FileIDs, ", "))
		}
	case domain.AnnotationKeepalive:
	default:
		fmt.Fprintf(w, "[%s]\n", a.Type)
	}
}

func printForm(w io.Writer, raw json.RawMessage) {
	var form catalog.AskQuestionArgs
	if err := json.Unmarshal(raw, &form); err != nil {
		fmt.Fprintf(w, "[form] %s\n", raw)
		return
	}
	fmt.Fprintf(w, "\n%s\n", form.Question)
	fields := append([]catalog.Field(nil), form.InputFields...)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Required && !fields[j].Required })
	for _, f := range fields {
		req := ""
		if f.Required {
			req = " (required)"
		}
		fmt.Fprintf(w, "  %s: %s%s  e.g. %s\n", f.Name, f.Label, req, f.Placeholder)
	}
}

package executor

import (
	"fmt"
	"strings"
)

// TaskOutput is an upstream task's committed value rendered as text.
type TaskOutput struct {
	ID     string
	Output string
}

// GoalPromptBuilder builds the XML-structured opening prompt of an agent loop:
// the workflow, the outputs of the tasks the agent depends on, and its goal.
type GoalPromptBuilder struct {
	workflowName string
	outputs      []TaskOutput
	taskID       string
	goal         string
	item         *int
}

// NewGoalPromptBuilder creates a builder for a workflow.
func NewGoalPromptBuilder(workflowName string) *GoalPromptBuilder {
	return &GoalPromptBuilder{workflowName: workflowName}
}

// AddOutput adds an upstream task's output to the context.
func (b *GoalPromptBuilder) AddOutput(id, output string) {
	b.outputs = append(b.outputs, TaskOutput{ID: id, Output: output})
}

// SetGoal sets the agent's goal. item is the for-each index, if any.
func (b *GoalPromptBuilder) SetGoal(taskID, goal string, item *int) {
	b.taskID = taskID
	b.goal = goal
	b.item = item
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Build generates the prompt. Content is escaped so upstream output cannot
// close the surrounding elements.
func (b *GoalPromptBuilder) Build() string {
	var buf strings.Builder

	buf.WriteString(fmt.Sprintf("<workflow name=%q>\n", b.workflowName))

	if len(b.outputs) > 0 {
		buf.WriteString("\n<context>\n")
		for _, o := range b.outputs {
			buf.WriteString(fmt.Sprintf("  <output task=%q>\n", o.ID))
			writeBlock(&buf, o.Output)
			buf.WriteString("  </output>\n\n")
		}
		buf.WriteString("</context>\n")
	}

	buf.WriteString("\n")
	if b.item != nil {
		buf.WriteString(fmt.Sprintf("<goal task=%q item=\"%d\">\n", b.taskID, *b.item))
	} else {
		buf.WriteString(fmt.Sprintf("<goal task=%q>\n", b.taskID))
	}
	writeBlock(&buf, b.goal)
	buf.WriteString("</goal>\n")

	buf.WriteString("\n</workflow>")
	return buf.String()
}

func writeBlock(buf *strings.Builder, s string) {
	buf.WriteString(xmlEscaper.Replace(s))
	if !strings.HasSuffix(s, "\n") {
		buf.WriteString("\n")
	}
}

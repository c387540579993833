package domain

// Step is one tool invocation or code execution unit performed by the skill.
type Step struct {
	ID       string    `json:"id"`
	Number   int       `json:"number"`
	Type     string    `json:"type"`
	ToolName string    `json:"tool_name"`
	State    StepState `json:"state"`
}

// StepSummary counts the steps seen in a session.
type StepSummary struct {
	TotalSteps     int `json:"totalSteps"`
	CompletedSteps int `json:"completedSteps"`
}

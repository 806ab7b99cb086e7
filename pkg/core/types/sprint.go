package types

// Phase is a named stage of the sprint process. A phase change is a boundary
// event: it scopes AI instructions and transcript lifetime.
type Phase struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DefaultPhases is the standard five-day design sprint sequence.
var DefaultPhases = []Phase{
	{Name: "Understand", Description: "Map out the problem space and pick a target."},
	{Name: "Ideate", Description: "Sketch competing solutions on paper."},
	{Name: "Decide", Description: "Make decisions and turn ideas into a testable hypothesis."},
	{Name: "Prototype", Description: "Build a realistic prototype."},
	{Name: "Test", Description: "Get feedback from real live users."},
}

// DefaultSprintProblem is the placeholder challenge statement of a sprint
// whose problem has not been defined yet. The first user message replaces it.
const DefaultSprintProblem = "Define the problem to solve in this sprint."

// SprintState is the sprint-wide state owned by the hosting application.
type SprintState struct {
	Problem string `json:"problem"`
	Phase   int    `json:"phase"`
	Day     int    `json:"day"`
}

// HasProblem reports whether a real challenge statement has been set.
func (s SprintState) HasProblem() bool {
	return s.Problem != "" && s.Problem != DefaultSprintProblem
}

// User identifies the sprint participant the facilitator is working with.
type User struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
}

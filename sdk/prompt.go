package sprintpilot

import (
	"fmt"
	"strings"

	"github.com/vango-go/sprintpilot/pkg/core/types"
)

// BuildInstructions renders the system instruction string sent to both the
// voice and the text backend. The current transcript is appended as context
// so switching modes mid-conversation keeps continuity.
func BuildInstructions(user *types.User, problem string, phase types.Phase, history []types.Message) string {
	userInfo := "You are working with a design sprint participant."
	if user != nil {
		userInfo = fmt.Sprintf("You are working with %s, who is a %s", user.Name, user.Role)
		if user.Organization != "" {
			userInfo += " at " + user.Organization
		}
		userInfo += "."
	}

	var context string
	if len(history) > 0 {
		var b strings.Builder
		b.WriteString("\n\nConversation history:\n")
		for _, msg := range history {
			speaker := "Assistant"
			if msg.Role == types.RoleUser {
				speaker = "User"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, msg.Content)
		}
		b.WriteString("\nContinue this conversation naturally.")
		context = b.String()
	}

	name := "their"
	role := "team member"
	if user != nil {
		name = user.Name
		role = user.Role
	}

	return fmt.Sprintf(`You are an expert AI Design Sprint Facilitator. Your goal is to guide a team through a design sprint.

%s Address them by their name and tailor your advice to their role and experience level.

The overall sprint challenge is: "%s"

The current phase is "%s: %s"

Guidelines:
- Keep responses concise, encouraging, and focused on moving the sprint forward
- Ask clarifying questions to prompt discussion and deeper thinking
- Provide practical suggestions and frameworks relevant to the current phase
- Be enthusiastic and supportive while maintaining professionalism
- Use %s name naturally in conversation
- Tailor advice to their role as a %s
- Don't repeat the phase name in every response

In the %s phase, focus on: %s%s`,
		userInfo, problem, phase.Name, phase.Description, name, role, phase.Name, phase.Description, context)
}

// PhaseHelp returns the helper prompt shown for a sprint phase.
func PhaseHelp(phaseName string) string {
	switch phaseName {
	case "Understand":
		return "What questions do you have about your users, the problem space, or the business context? I can help you map out the challenge and identify key areas to explore."
	case "Ideate":
		return "Ready to brainstorm solutions? I can guide you through sketching exercises, help you think of different approaches, or suggest creative techniques to generate ideas."
	case "Decide":
		return "Time to evaluate your ideas! I can help you create a decision matrix, facilitate voting, or think through the criteria for choosing the best solution to prototype."
	case "Prototype":
		return "Let's plan your prototype! What's the core experience you want to test? I can help you decide on fidelity, tools, and the minimum viable version that will give you meaningful feedback."
	case "Test":
		return "Ready to get user feedback? I can help you plan your testing approach, prepare interview questions, or think through how to capture and analyze insights."
	default:
		return "What would you like to work on together?"
	}
}

// WelcomeMessage derives the context-appropriate greeting shown while the
// transcript is empty. It is never stored as a transcript entry.
func WelcomeMessage(hasAPIKey bool, user *types.User, problem string, phase types.Phase, voiceConnected bool) string {
	if !hasAPIKey {
		return "Please ensure your API key is set in settings to start chatting."
	}

	if problem == "" || problem == types.DefaultSprintProblem {
		greeting := "Hello"
		intro := ""
		if user != nil {
			greeting = "Hello " + user.Name
			intro = fmt.Sprintf("I'm excited to work with you as a %s", user.Role)
			if user.Organization != "" {
				intro += " at " + user.Organization
			}
			intro += ". "
		}
		return fmt.Sprintf(`%s! Welcome to your Design Sprint journey. %s
To get started, I'd love to understand what challenge or problem you'd like to tackle in this sprint. This could be anything from improving a user experience, solving a business problem, or exploring a new product idea.

Here are some examples from the banking sector:
- How might we simplify the mortgage application process for first-time homebuyers?
- How might we create a more intuitive mobile banking experience for senior customers?
- How might we reduce fraud while maintaining a seamless transaction experience?
- How might we design an AI-powered financial advisor that builds customer trust?
- How might we improve the small business loan approval process?

What challenge would you like to work on? Please describe it in your own words.`, greeting, intro)
	}

	var modeMessage string
	switch {
	case voiceConnected:
		modeMessage = "I'm ready to chat with you using voice. Just click the microphone to start!"
	case user != nil:
		modeMessage = fmt.Sprintf("I'm here to help guide you through this phase, %s! Type your questions or ideas below, or switch to voice mode if you prefer to speak.", user.Name)
	default:
		modeMessage = "I'm ready to help! Type your questions or ideas below, or switch to voice mode if you prefer to speak."
	}

	back := "Welcome"
	if user != nil {
		back = "Welcome back " + user.Name
	}
	return fmt.Sprintf("%s to the %s phase! %s. %s", back, phase.Name, phase.Description, modeMessage)
}

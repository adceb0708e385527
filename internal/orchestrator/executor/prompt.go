package executor

import (
	"fmt"
	"strings"

	"github.com/gantryhq/gantry/internal/task/models"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// PlanSentinel separates the plan section from the implementation in
// plan-mode agent output.
const PlanSentinel = "---PLAN END---"

// planPreamble instructs the agent to plan before implementing. The
// agent has no dedicated plan flag; this is prompt engineering.
const planPreamble = "IMPORTANT: Before writing any code, output a detailed implementation " +
	"plan as markdown. After the plan, write '---PLAN END---', then implement.\n\n"

// ComposePrompt builds the full agent prompt for a task: mode preamble,
// user prompt (or approved plan), and the git workflow instructions.
func ComposePrompt(task *models.Task, branch, baseRepo string) string {
	var b strings.Builder
	switch {
	case task.Mode == v1.TaskModePlan:
		b.WriteString(planPreamble)
		b.WriteString(task.Prompt)
	case strings.TrimSpace(task.Plan) != "":
		fmt.Fprintf(&b, "Execute the following approved plan exactly.\n\n%s\n\nOriginal task:\n%s",
			task.Plan, task.Prompt)
	default:
		b.WriteString(task.Prompt)
	}
	b.WriteString(workflowSuffix(task.ID, task.Title, branch, baseRepo))
	return b.String()
}

// workflowSuffix tells the agent to finish its work with git. The
// executor never commits, merges or pushes itself; doing it here keeps
// version-control finalisation inside the one process that knows what
// it changed.
func workflowSuffix(taskID int64, title, branch, baseRepo string) string {
	return fmt.Sprintf(`

## Post-Implementation Workflow

You are working in a dedicated git worktree. Your current branch is: %s
The main repository is at: %s

Once the task is complete:
1. Commit all changes: git commit -m "[task-%d] %s"
2. Merge this branch into the branch checked out in the main repository.
3. Push the updated base branch to origin.`,
		branch, baseRepo, taskID, title)
}

// splitPlan separates a plan section from implementation output around
// the sentinel. Plan-mode output without a sentinel is all plan.
func splitPlan(output string, mode v1.TaskMode) (plan, rest string) {
	if before, after, found := strings.Cut(output, PlanSentinel); found {
		return strings.TrimSpace(before), strings.TrimSpace(after)
	}
	if mode == v1.TaskModePlan {
		return output, ""
	}
	return "", output
}

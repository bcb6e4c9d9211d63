package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/jakeops/internal/model"
)

// Publisher pushes work to the remote and opens pull requests.
type Publisher interface {
	RepoURL(owner, repo string) string
	CreateBranchWithFile(ctx context.Context, repoURL, branch, filePath, content, message, token string) error
	CreateDraftPR(ctx context.Context, owner, repo, branch, title, body, token string) (string, error)
}

// PlanBranch is the branch a delivery's plan is published to.
func PlanBranch(id string) string {
	return "jakeops/" + id
}

// PlanPath is the repository path of a published plan.
func PlanPath(id string) string {
	return ".jakeops/plans/" + id + ".md"
}

// PublishPlan commits the delivery's plan to its work branch and opens a
// draft pull request for it. The branch is recorded as the work ref, so
// later phases check it out, and the pull request as an output ref.
// Publishing a delivery that already has a work branch is a no-op.
func (e *Executor) PublishPlan(ctx context.Context, id string) (model.Delivery, bool, error) {
	if e.pub == nil {
		return model.Delivery{}, false, &ConfigurationError{Missing: []string{"publisher"}}
	}
	d, found, err := e.svc.Get(ctx, id)
	if err != nil || !found {
		return model.Delivery{}, found, err
	}
	if d.WorkBranch() != "" {
		return d, true, nil
	}
	if d.Plan == nil || strings.TrimSpace(d.Plan.Content) == "" {
		return model.Delivery{}, true, fmt.Errorf("%w: delivery %s has no plan to publish", ErrInvalidInput, id)
	}
	owner, repo, ok := strings.Cut(d.Repository, "/")
	if !ok {
		return model.Delivery{}, true, fmt.Errorf("%w: repository %q is not owner/repo", ErrInvalidInput, d.Repository)
	}

	token := e.token(ctx, owner, repo)
	branch := PlanBranch(id)
	content := "# " + d.Summary + "\n\n" + d.Plan.Content + "\n"
	if err := e.pub.CreateBranchWithFile(ctx, e.pub.RepoURL(owner, repo), branch, PlanPath(id), content, "Add plan: "+d.Summary, token); err != nil {
		return model.Delivery{}, true, fmt.Errorf("delivery: publish plan %s: %w", id, err)
	}
	url, err := e.pub.CreateDraftPR(ctx, owner, repo, branch, d.Summary, d.Plan.Content, token)
	if err != nil {
		return model.Delivery{}, true, fmt.Errorf("delivery: open draft PR %s: %w", id, err)
	}
	e.logger.Info("plan published", "delivery_id", id, "branch", branch, "pr", url)

	return e.svc.Update(ctx, id, model.DeliveryPatch{Refs: []model.Ref{
		{Role: model.RefRoleWork, Type: model.RefTypeBranch, Label: branch},
		{Role: model.RefRoleOutput, Type: model.RefTypeGitHubPR, Label: "plan", URL: url},
	}})
}

// Package artifact enforces the markdown artifact constraints from the
// external interfaces section: every AgentResult/WorkflowResult submission
// is a standalone .md file on disk, bounded in size, addressed by an
// absolute path with no traversal segments, and owned by the task it is
// submitted against.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/agentkernel/internal/kernelerr"
)

// MaxSizeBytes is the largest markdown artifact the kernel will accept.
const MaxSizeBytes = 100 * 1024 // 100 kB

// OwnershipChecker resolves the agent currently assigned to a task, so
// ValidateSubmission can enforce "submitter must own the parent task" for
// task-level artifacts.
type OwnershipChecker interface {
	AssignedAgentID(taskID string) (agentID string, ok bool)
}

// ValidatePath enforces the path-shape half of the artifact constraints:
// absolute, no ".." segments, ".md" extension, and the file must exist and
// be readable at submission time.
func ValidatePath(path string) error {
	if !filepath.IsAbs(path) {
		return kernelerr.New(kernelerr.KindPathTraversal, "artifact path %q must be absolute", path)
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return kernelerr.New(kernelerr.KindPathTraversal, "artifact path %q must not contain .. segments", path)
		}
	}
	if filepath.Ext(path) != ".md" {
		return kernelerr.New(kernelerr.KindPathTraversal, "artifact path %q must have a .md extension", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindNotFound, err, "artifact %q does not exist or is not readable", path)
	}
	if info.Size() > MaxSizeBytes {
		return kernelerr.New(kernelerr.KindFileTooLarge, "artifact %q is %d bytes, exceeds the %d byte limit", path, info.Size(), MaxSizeBytes)
	}
	f, err := os.Open(path)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindNotFound, err, "artifact %q is not readable", path)
	}
	_ = f.Close()
	return nil
}

// ValidateSubmission enforces the full constraint set for a task-level
// artifact: path shape plus the submitter-owns-the-task check.
func ValidateSubmission(owners OwnershipChecker, taskID, submitterAgentID, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	assigned, ok := owners.AssignedAgentID(taskID)
	if !ok || assigned != submitterAgentID {
		return kernelerr.New(kernelerr.KindNotAuthorized, "agent %s does not own task %s", submitterAgentID, taskID)
	}
	return nil
}

// WriteMarkdown writes content to path after enforcing the size
// constraint, used once HTML submissions have already been converted to
// markdown text by Converter.
func WriteMarkdown(path string, content []byte) error {
	if len(content) > MaxSizeBytes {
		return kernelerr.New(kernelerr.KindFileTooLarge, "converted artifact is %d bytes, exceeds the %d byte limit", len(content), MaxSizeBytes)
	}
	if filepath.Ext(path) != ".md" {
		return kernelerr.New(kernelerr.KindPathTraversal, "artifact path %q must have a .md extension", path)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("artifact: write %s: %w", path, err)
	}
	return nil
}

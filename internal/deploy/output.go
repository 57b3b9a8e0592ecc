package deploy

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// PublishURL prints url to w and, when githubOutput names a file, appends
// url=<url> to it for later workflow steps.
func PublishURL(w io.Writer, githubOutput, url string) error {
	if strings.ContainsAny(url, "\r\n") {
		return fmt.Errorf("refusing to publish multi-line url %q", url)
	}
	if w != nil {
		if _, err := fmt.Fprintln(w, url); err != nil {
			return err
		}
	}
	if githubOutput == "" {
		return nil
	}
	f, err := os.OpenFile(githubOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open GITHUB_OUTPUT: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "url=%s\n", url)
	return err
}

// Package artifacts publishes training outputs to durable storage and
// returns the reference strings that end up on the run record.
package artifacts

import "context"

// Publisher copies a local artifact file to durable storage and returns a
// reference string, stored verbatim on the run.
type Publisher interface {
	Publish(ctx context.Context, runID, name, localPath string) (string, error)
}

// Command montage is the operator CLI: it submits and reviews jobs, manages
// batches, inspects the stage registry and runs the daemon in the foreground.
package main

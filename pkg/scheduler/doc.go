// Package scheduler picks which agent each lab node runs on. Placement
// is sticky across deploys, honours a lab's default-agent pin, and
// otherwise spreads nodes onto the least-loaded online agent.
package scheduler

package models

import "time"

// ContainerSession is per (connectionId, containerName) Docker exec
// context: working directory, env, user and activity tracking used to
// decide the "active container" of a connection.
type ContainerSession struct {
	ConnectionID     string
	ContainerName    string
	WorkingDirectory string
	Env              map[string]string
	User             string
	LastActivity     time.Time
	IsActive         bool
}

// Touch refreshes LastActivity and marks the session active.
func (c *ContainerSession) Touch(now time.Time) {
	c.LastActivity = now
	c.IsActive = true
}

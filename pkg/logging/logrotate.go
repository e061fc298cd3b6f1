package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for playscope %s
# Install: sudo cp this file to /etc/logrotate.d/playscope-%s

/var/log/playscope/%s/*.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    create 0644 playscope playscope
    sharedscripts
    postrotate
        systemctl reload playscope-%s 2>/dev/null || true
    endscript
}
`, component, component, component, component)
}

package notify

import (
	"github.com/gen2brain/beeep"
)

// BeeepNotifier shows alerts through the platform notification service
type BeeepNotifier struct {
	AppName  string
	IconPath string
}

func (b BeeepNotifier) Notify(a Alert) error {
	title := a.Title
	if b.AppName != "" {
		title = b.AppName + " - " + title
	}
	return beeep.Notify(title, a.Body, b.IconPath)
}

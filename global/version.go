package global

import "fmt"

const (
	Version = "0.3.1"
	Name    = "tixclient"
)

func BannerString() string {
	return fmt.Sprintf("starting %s ver %s", Name, Version)
}

package version

import (
	"encoding/json"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// Info is the VCS state the binary was built from.
type Info struct {
	Commit   string `json:"commit"`
	Time     string `json:"time"`
	Modified bool   `json:"modified,omitempty"`
}

func Read() Info {
	v := Info{}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			v.Commit = setting.Value
		case "vcs.time":
			v.Time = setting.Value
		case "vcs.modified":
			v.Modified = setting.Value == "true"
		}
	}
	return v
}

// Version is Info as json, sent as header on every publication.
var Version = func() string {
	b, err := json.Marshal(Read())
	if err != nil {
		logrus.Fatal(err)
	}
	return string(b)
}()

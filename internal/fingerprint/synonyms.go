package fingerprint

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// defaultSynonyms maps common token variants to one canonical form so that
// trivially different phrasings fingerprint identically.
var defaultSynonyms = map[string]string{
	"app":          "application",
	"apps":         "application",
	"applications": "application",
	"webapp":       "application",
	"saas":         "application",
	"ai":           "ai",
	"ml":           "ai",
	"automated":    "automatic",
	"automation":   "automatic",
	"automate":     "automatic",
	"mgmt":         "management",
	"managing":     "management",
	"manage":       "management",
	"biz":          "business",
	"businesses":   "business",
	"company":      "business",
	"companies":    "business",
	"customers":    "customer",
	"clients":      "customer",
	"client":       "customer",
	"freelancers":  "freelancer",
	"tool":         "tool",
	"tools":        "tool",
	"platform":     "tool",
	"service":      "tool",
	"svc":          "tool",
}

// synonymFile is the on-disk shape of a synonym table.
type synonymFile struct {
	Synonyms map[string]string `yaml:"synonyms"`
}

// LoadSynonyms reads a synonym table from a YAML file. A missing path returns
// an empty table so the built-in defaults apply alone.
func LoadSynonyms(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "fingerprint: read synonym file %s", path)
	}
	var f synonymFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "fingerprint: parse synonym file %s", path)
	}
	return f.Synonyms, nil
}

package api

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// modelDefLimit caps how far a brace scan runs past a candidate start, so a
// truncated definition cannot stall the extraction.
const modelDefLimit = 10000

var modelStartRe = regexp.MustCompile(`\{\\"id\\":\\"[a-f0-9-]+\\"`)

// ExtractModelsFromHTML pulls the model definition objects embedded in the
// arena page source. The definitions sit inside a script block as escaped
// JSON, so each candidate is located by its id field and completed with a
// brace scan before unescaping. Models are deduplicated by public name.
func ExtractModelsFromHTML(html string) []json.RawMessage {
	var models []json.RawMessage
	seen := make(map[string]bool)

	for _, loc := range modelStartRe.FindAllStringIndex(html, -1) {
		start := loc[0]
		limit := start + modelDefLimit
		if limit > len(html) {
			limit = len(html)
		}

		depth := 0
		end := -1
		for i := start; i < limit; i++ {
			switch html[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = i + 1
				}
			}
			if end != -1 {
				break
			}
		}
		if end == -1 {
			continue
		}

		unescaped := strings.ReplaceAll(html[start:end], `\"`, `"`)
		unescaped = strings.ReplaceAll(unescaped, `\\`, `\`)
		if !gjson.Valid(unescaped) {
			log.Warnf("skipping unparseable model definition: %s", truncate(unescaped, 150))
			continue
		}

		name := gjson.Get(unescaped, "publicName").String()
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		models = append(models, json.RawMessage(unescaped))
	}

	if len(models) > 0 {
		log.Infof("extracted %d distinct models from the page source", len(models))
	}
	return models
}

// SaveAvailableModels writes the extracted model objects to path.
func SaveAvailableModels(path string, models []json.RawMessage) error {
	data, err := json.MarshalIndent(models, "", "    ")
	if err != nil {
		return fmt.Errorf("cannot marshal model list: %w", err)
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	log.Infof("%s updated with %d models", path, len(models))
	return nil
}

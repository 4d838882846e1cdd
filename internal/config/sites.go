package config

/*
gareplay — replay recorded web traffic itineraries in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSite is returned when a site has no view ID in the sites file.
var ErrUnknownSite = errors.New("site not configured")

// Sites maps a site domain to its analytics view ID ("ga:12345").
//
//	sites:
//	  news.example.com: "ga:12345"
//	  blog.example.com: "67890"
type Sites struct {
	Views map[string]string `yaml:"sites"`
}

// LoadSites reads the sites file at path.
func LoadSites(path string) (*Sites, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file: %w", err)
	}
	return ParseSites(data)
}

// ParseSites decodes a sites document. View IDs without the "ga:" prefix get one.
func ParseSites(data []byte) (*Sites, error) {
	s := &Sites{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse sites file: %w", err)
	}
	if len(s.Views) == 0 {
		return nil, errors.New("sites file lists no sites")
	}
	for site, view := range s.Views {
		view = strings.TrimSpace(view)
		if view == "" {
			return nil, fmt.Errorf("site %s has an empty view ID", site)
		}
		if !strings.HasPrefix(view, "ga:") {
			view = "ga:" + view
		}
		s.Views[site] = view
	}
	return s, nil
}

// ViewID returns the view ID configured for site.
func (s *Sites) ViewID(site string) (string, error) {
	view, ok := s.Views[site]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	return view, nil
}

// Names returns the configured site domains, sorted.
func (s *Sites) Names() []string {
	names := make([]string, 0, len(s.Views))
	for site := range s.Views {
		names = append(names, site)
	}
	sort.Strings(names)
	return names
}

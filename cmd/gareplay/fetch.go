package main

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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/x-stp/gareplay/internal/analytics"
	"github.com/x-stp/gareplay/internal/config"
	"github.com/x-stp/gareplay/internal/itinerary"
	"github.com/x-stp/gareplay/internal/util"
)

const (
	// dateLayout is the DD-MM-YYYY form the fetch command accepts.
	dateLayout = "02-01-2006"
	// defaultItineraryDir receives itineraries fetched without --outfile.
	defaultItineraryDir = "itineraries"
)

// runFetch is the handler for the 'fetch' command.
func runFetch(ctx context.Context, args []string) error {
	sites, start, end, err := parseFetchArgs(args)
	if err != nil {
		return err
	}
	if conf.Credentials == "" {
		return errors.New("fetch needs a service-account key (--credentials or GAREPLAY_CREDENTIALS)")
	}
	siteViews, err := config.LoadSites(conf.SitesFile)
	if err != nil {
		return err
	}
	dims := cleanDimensions(extraDimensions)

	startMetrics()
	hc, err := analytics.NewAuthorizedHTTPClient(ctx, conf.Credentials)
	if err != nil {
		return err
	}
	opts := []analytics.Option{analytics.WithLogger(logger)}
	if conf.CacheFile != "" {
		cache, err := analytics.OpenCache(conf.CacheFile)
		if err != nil {
			return err
		}
		defer cache.Close()
		opts = append(opts, analytics.WithCache(cache))
	}
	reports := analytics.NewClient(hc, opts...)

	var rows []itinerary.Row
	for _, site := range sites {
		view, err := siteViews.ViewID(site)
		if err != nil {
			return fmt.Errorf("%w (configured: %s)", err, strings.Join(siteViews.Names(), ", "))
		}
		logger.Info("fetching report",
			zap.String("site", site),
			zap.String("view", view),
			zap.String("start", start.Format(dateLayout)),
			zap.String("end", end.Format(dateLayout)),
			zap.Strings("extra_dimensions", dims))

		report, err := reports.Report(ctx, analytics.Query{
			ViewID:          view,
			Start:           start,
			End:             end,
			ExtraDimensions: dims,
		})
		if err != nil {
			return fmt.Errorf("failed to fetch report for %s: %w", site, err)
		}
		siteRows, err := analytics.ToRows(site, report)
		if err != nil {
			return fmt.Errorf("failed to convert report for %s: %w", site, err)
		}
		logger.Info("report fetched", zap.String("site", site), zap.Int("rows", len(siteRows)))
		rows = append(rows, siteRows...)
	}

	path := outfile
	if path == "" {
		path = util.ItineraryPath(defaultItineraryDir, sites, start.Format(dateLayout), end.Format(dateLayout))
	}
	itinerary.Sort(rows)
	if err := itinerary.Save(ctx, path, rows); err != nil {
		return err
	}
	it := itinerary.FromRows(rows)
	fmt.Printf("Wrote %d rows (%d pageviews over %d minutes) to %s\n",
		it.TotalRows(), it.TotalPageviews(), it.Len(), path)
	return nil
}

// parseFetchArgs splits "<sites...> <start> <end>". Each site argument may
// itself be a comma separated list.
func parseFetchArgs(args []string) (sites []string, start, end time.Time, err error) {
	if len(args) < 3 {
		return nil, start, end, fmt.Errorf("expected <sites> <start> <end>, got %d arguments", len(args))
	}
	n := len(args)
	if start, err = time.Parse(dateLayout, args[n-2]); err != nil {
		return nil, start, end, fmt.Errorf("invalid start date %q, want DD-MM-YYYY", args[n-2])
	}
	if end, err = time.Parse(dateLayout, args[n-1]); err != nil {
		return nil, start, end, fmt.Errorf("invalid end date %q, want DD-MM-YYYY", args[n-1])
	}
	if end.Before(start) {
		return nil, start, end, fmt.Errorf("end date %s is before start date %s", args[n-1], args[n-2])
	}

	seen := make(map[string]bool)
	for _, arg := range args[:n-2] {
		for _, site := range strings.Split(arg, ",") {
			site = strings.TrimSpace(site)
			if site == "" || seen[site] {
				continue
			}
			seen[site] = true
			sites = append(sites, site)
		}
	}
	if len(sites) == 0 {
		return nil, start, end, errors.New("no sites given")
	}
	return sites, start, end, nil
}

// cleanDimensions drops blanks and adds the "ga:" prefix where missing.
func cleanDimensions(dims []string) []string {
	var out []string
	for _, d := range dims {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if !strings.HasPrefix(d, "ga:") {
			d = "ga:" + d
		}
		out = append(out, d)
	}
	return out
}

/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package loader

import (
	"io"

	"treestore/internal/config"
	"treestore/internal/logging"
)

// LoadConfig loads configuration with the usual precedence into the global
// manager. A non-empty path replaces file discovery. The result is
// validated.
func LoadConfig(path string) (*config.Config, error) {
	mgr := config.Global()
	if path != "" {
		if err := mgr.LoadFromFile(path); err != nil {
			return nil, err
		}
		if err := mgr.LoadFromEnv(); err != nil {
			return nil, err
		}
	} else if err := mgr.Load(); err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigureLogging applies the log section to the global logger.
func ConfigureLogging(cfg config.LogConfig, out io.Writer) {
	logging.Configure(logging.Config{
		Level:    logging.ParseLevel(cfg.Level),
		Output:   out,
		JSONMode: cfg.JSON,
	})
}

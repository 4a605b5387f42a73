/*
Copyright (c) 2021 Andreas T Jonsson

This software is provided 'as-is', without any express or implied
warranty. In no event will the authors be held liable for any damages
arising from the use of this software.

Permission is granted to anyone to use this software for any purpose,
including commercial applications, and to alter it and redistribute it
freely, subject to the following restrictions:

1. The origin of this software must not be misrepresented; you must not
   claim that you wrote the original software. If you use this software
   in a product, an acknowledgment in the product documentation would be
   appreciated but is not required.
2. Altered source versions must be plainly marked as such, and must not be
   misrepresented as being the original software.
3. This notice may not be removed or altered from any source distribution.
*/

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path"
	"strings"
	"text/template"
	"time"
)

const (
	defaultVersion = "0.1.0.0"
	startYear      = 2021
	copyrightFmt   = "Copyright (c) %v Andreas T Jonsson"
)

func gitHash() string {
	res, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		log.Print("could not parse Git hash: ", err)
		return ""
	}
	return strings.TrimSpace(string(res))
}

// parseVersion splits major.minor.patch.build. A zero build is dropped.
func parseVersion(version string) []string {
	parts := strings.SplitN(version, ".", 4)
	if len(parts) != 4 {
		log.Print("invalid version format: ", version)
		parts = strings.Split(defaultVersion, ".")
	}
	if parts[3] == "0" {
		parts[3] = ""
	}
	return parts
}

func copyright(year int) string {
	if year == startYear {
		return fmt.Sprintf(copyrightFmt, startYear)
	}
	return fmt.Sprintf(copyrightFmt, fmt.Sprintf("%d-%d", startYear, year))
}

func main() {
	file := flag.String("file", "-", "Save the generated output to file.")
	pkg := flag.String("package", "version", "Package name of the generated output.")
	ver := flag.String("variable", "RISU_VERSION", "Environment variable containing the version number.")
	flag.Parse()

	version := os.Getenv(*ver)
	if version == "" {
		version = defaultVersion
		log.Printf("%s is not set. Defaulting to %s", *ver, version)
	}
	parts := parseVersion(version)
	notice := copyright(time.Now().Year())

	values := map[string]interface{}{
		"hash":  gitHash(),
		"major": parts[0],
		"minor": parts[1],
		"patch": parts[2],
		"build": parts[3],
		"copy":  notice,
		"pkg":   *pkg,
	}

	tmpl := template.Must(template.New("version").Parse(content))

	fp := os.Stdout
	if *file != "-" {
		os.MkdirAll(path.Dir(*file), 0777)

		var err error
		if fp, err = os.Create(*file); err != nil {
			log.Fatal(err)
		}
		defer fp.Close()
	}

	if err := tmpl.Execute(fp, values); err != nil {
		log.Fatal(err)
	}
}

var content = `/*
{{.copy}}

This software is provided 'as-is', without any express or implied
warranty. In no event will the authors be held liable for any damages
arising from the use of this software.

Permission is granted to anyone to use this software for any purpose,
including commercial applications, and to alter it and redistribute it
freely, subject to the following restrictions:

1. The origin of this software must not be misrepresented; you must not
   claim that you wrote the original software. If you use this software
   in a product, an acknowledgment in the product documentation would be
   appreciated but is not required.
2. Altered source versions must be plainly marked as such, and must not be
   misrepresented as being the original software.
3. This notice may not be removed or altered from any source distribution.
*/

package {{.pkg}}

var (
	Current   = Version{ {{.major}}, {{.minor}}, {{.patch}}, "{{.build}}" }
	Copyright = "{{.copy}}"
	Hash      = "{{.hash}}"
)
`

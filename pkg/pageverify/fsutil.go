package pageverify

import "os"

// readDirNames lists the entry names of dir, used by LocateKoFile's
// '-'/'_' tolerant module-name search.
func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

package refuadata

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Catalog is a registry of dataset descriptors keyed by unique ID.
type Catalog struct {
	datasets map[string]*Dataset
}

// NewCatalog builds a catalog from descriptors, rejecting duplicate or
// empty IDs.
func NewCatalog(entries ...*Dataset) (*Catalog, error) {
	catalog := &Catalog{datasets: make(map[string]*Dataset, len(entries))}
	for _, dataset := range entries {
		if dataset.ID == "" {
			return nil, fmt.Errorf("dataset with empty ID (name %q)", dataset.Name)
		}
		if _, exists := catalog.datasets[dataset.ID]; exists {
			return nil, fmt.Errorf("duplicate dataset ID %q", dataset.ID)
		}
		catalog.datasets[dataset.ID] = dataset
	}
	return catalog, nil
}

// Get returns the descriptor for an ID. The error for an unknown ID lists
// the available ones.
func (c *Catalog) Get(id string) (*Dataset, error) {
	dataset, ok := c.datasets[id]
	if !ok {
		available := make([]string, 0, len(c.datasets))
		for known := range c.datasets {
			available = append(available, known)
		}
		sort.Strings(available)
		return nil, fmt.Errorf("unknown dataset %q, available: %s", id, strings.Join(available, ", "))
	}
	return dataset, nil
}

// List returns all descriptors sorted by ID.
func (c *Catalog) List() []*Dataset {
	datasets := make([]*Dataset, 0, len(c.datasets))
	for _, dataset := range c.datasets {
		datasets = append(datasets, dataset)
	}
	sort.Slice(datasets, func(i, j int) bool {
		return datasets[i].ID < datasets[j].ID
	})
	return datasets
}

// FilterByTag returns the descriptors carrying the tag, matched
// case-insensitively, sorted by ID.
func (c *Catalog) FilterByTag(tag string) []*Dataset {
	var matched []*Dataset
	for _, dataset := range c.List() {
		for _, candidate := range dataset.Tags {
			if strings.EqualFold(candidate, tag) {
				matched = append(matched, dataset)
				break
			}
		}
	}
	return matched
}

// Len returns the number of registered datasets.
func (c *Catalog) Len() int {
	return len(c.datasets)
}

type catalogFile struct {
	Datasets []*Dataset `yaml:"datasets"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(fs afero.Fs, path string) (*Catalog, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	catalog, err := NewCatalog(file.Datasets...)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return catalog, nil
}

// DefaultCatalog returns the built-in registry of public datasets, covering
// every source shape the downloader supports.
func DefaultCatalog() *Catalog {
	catalog, err := NewCatalog(
		&Dataset{
			ID:          "zinc250k",
			Name:        "ZINC250k",
			Description: "250k drug-like molecules sampled from the ZINC database with SMILES, logP, QED, and SAS.",
			Source:      "ZINC / Kusner et al.",
			Homepage:    "https://zinc.docking.org/",
			LicenseName: "ZINC Terms of Use",
			LicenseURL:  "https://zinc.docking.org/terms/",
			Format:      FormatCSV,
			Category:    "compound_library",
			URLs: []string{
				"https://raw.githubusercontent.com/aspuru-guzik-group/chemical_vae/main/models/zinc_properties/250k_rndm_zinc_drugs_clean_3.csv",
				"https://raw.githubusercontent.com/molecularsets/moses/master/data/dataset_v1.csv",
			},
			Tags: []string{"molecules", "generative"},
		},
		&Dataset{
			ID:          "zinc_tranche_sample",
			Name:        "ZINC in-stock tranche sample",
			Description: "Concatenated sample of ZINC in-stock tranches with SMILES and ZINC IDs.",
			Source:      "ZINC",
			Homepage:    "https://zinc.docking.org/",
			LicenseName: "ZINC Terms of Use",
			LicenseURL:  "https://zinc.docking.org/terms/",
			Format:      FormatTSV,
			Category:    "compound_library",
			URLs: []string{
				"https://files.docking.org/2D/AA/AAAA.smi",
				"https://files.docking.org/2D/AA/AAAB.smi",
			},
			URLMode:   URLModeConcat,
			Delimiter: " ",
			Filename:  "zinc_tranche_sample.smi",
			Tags:      []string{"molecules", "screening"},
		},
		&Dataset{
			ID:          "tox21",
			Name:        "Tox21",
			Description: "Qualitative toxicity measurements for 12 targets across ~8k compounds.",
			Source:      "MoleculeNet",
			Homepage:    "https://moleculenet.org/datasets-1",
			LicenseName: "CC BY 4.0",
			LicenseURL:  "https://creativecommons.org/licenses/by/4.0/",
			Format:      FormatCSV,
			Category:    "toxicity",
			URLs: []string{
				"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/tox21.csv.gz",
			},
			Compression: CompressionGzip,
			Tags:        []string{"molecules", "classification"},
		},
		&Dataset{
			ID:          "chembl_activities",
			Name:        "ChEMBL activities",
			Description: "Bioactivity measurements from the ChEMBL REST API.",
			Source:      "EMBL-EBI ChEMBL",
			Homepage:    "https://www.ebi.ac.uk/chembl/",
			LicenseName: "CC BY-SA 3.0",
			LicenseURL:  "https://creativecommons.org/licenses/by-sa/3.0/",
			Format:      FormatJSONL,
			Category:    "target_activity",
			API: &APIConfig{
				Endpoint:      "https://www.ebi.ac.uk/chembl/api/data/activity.json",
				Params:        map[string]string{"standard_type": "IC50"},
				Pagination:    PaginationChembl,
				ItemsPath:     "activities",
				PageSizeParam: "limit",
				PageSize:      1000,
				MaxPages:      100,
				MaxRows:       100000,
			},
			Tags: []string{"bioactivity", "api"},
		},
		&Dataset{
			ID:          "chembl_targets",
			Name:        "ChEMBL targets",
			Description: "Target dictionary from the ChEMBL REST API.",
			Source:      "EMBL-EBI ChEMBL",
			Homepage:    "https://www.ebi.ac.uk/chembl/",
			LicenseName: "CC BY-SA 3.0",
			LicenseURL:  "https://creativecommons.org/licenses/by-sa/3.0/",
			Format:      FormatJSONL,
			Category:    "targets",
			API: &APIConfig{
				Endpoint:      "https://www.ebi.ac.uk/chembl/api/data/target.json",
				Pagination:    PaginationChembl,
				ItemsPath:     "targets",
				PageSizeParam: "limit",
				PageSize:      1000,
				MaxPages:      50,
			},
			Tags: []string{"targets", "api"},
		},
	)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in catalog: %v", err))
	}
	return catalog
}

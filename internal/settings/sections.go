package settings

import (
	"strconv"
	"strings"
	"time"

	"acousticsbake/internal/apperrors"
)

// Keys in the account section.
const (
	KeyURL             = "url"
	KeyBatchName       = "batch_name"
	KeyBatchKey        = "batch_key"
	KeyStorageName     = "storage_name"
	KeyStorageKey      = "storage_key"
	KeySecret          = "secret"
	KeyToolsetVersion  = "toolset_version"
	KeyRegistryServer  = "registry_server"
	KeyRegistryAccount = "registry_account"
	KeyRegistryKey     = "registry_key"
)

// Keys in the simulation section.
const (
	KeyMeshUnitAdjustment        = "mesh_unit_adjustment"
	KeyMaxFrequency              = "max_frequency"
	KeyReceiverSpacing           = "receiver_spacing"
	KeyProbeHorizontalSpacingMin = "probe_horizontal_spacing_min"
	KeyProbeHorizontalSpacingMax = "probe_horizontal_spacing_max"
	KeyProbeVerticalSpacing      = "probe_vertical_spacing"
	KeyProbeMinHeightAboveGround = "probe_min_height_above_ground"
	KeyRegionLower               = "simulation_region_lower"
	KeyRegionUpper               = "simulation_region_upper"
)

// Keys in the pool and operational sections.
const (
	KeyVMSize         = "vm_size"
	KeyNodes          = "nodes"
	KeyUseLowPriority = "use_lowpri_nodes"
	KeyLevelPrefixMap = "level_prefix_map"
	KeyDataPath       = "acoustics_data_path"
	KeyJobID          = "job_id"
	KeyJobPrefix      = "job_prefix"
	KeyJobSubmitTime  = "job_submit_time"
)

// DefaultToolsetVersion is the bake toolset image used when none is configured.
const DefaultToolsetVersion = "mcr.microsoft.com/acoustics/baketools:2022.1.Linux"

// Unset simulation scalars read as this value.
const unsetFloat = "-1.0"

// Account holds the remote service endpoint and credentials.
type Account struct {
	URL             string `json:"url"`
	BatchName       string `json:"batchName"`
	BatchKey        string `json:"batchKey,omitempty"`
	StorageName     string `json:"storageName"`
	StorageKey      string `json:"storageKey,omitempty"`
	ToolsetVersion  string `json:"toolsetVersion"`
	RegistryServer  string `json:"registryServer"`
	RegistryAccount string `json:"registryAccount"`
	RegistryKey     string `json:"registryKey,omitempty"`
}

// HasKeys reports whether both service keys are present.
func (a Account) HasKeys() bool {
	return a.BatchKey != "" && a.StorageKey != ""
}

// Account returns the account section. An empty toolset version reads as
// DefaultToolsetVersion.
func (c *Config) Account() Account {
	s := c.Section(SectionAccount)
	a := Account{
		URL:             s.Get(KeyURL),
		BatchName:       s.Get(KeyBatchName),
		BatchKey:        s.Get(KeyBatchKey),
		StorageName:     s.Get(KeyStorageName),
		StorageKey:      s.Get(KeyStorageKey),
		ToolsetVersion:  s.Get(KeyToolsetVersion),
		RegistryServer:  s.Get(KeyRegistryServer),
		RegistryAccount: s.Get(KeyRegistryAccount),
		RegistryKey:     s.Get(KeyRegistryKey),
	}
	if a.ToolsetVersion == "" {
		a.ToolsetVersion = DefaultToolsetVersion
	}
	return a
}

// SetAccount overwrites the account section fields.
func (c *Config) SetAccount(a Account) {
	s := c.Section(SectionAccount)
	s.Set(KeyURL, a.URL)
	s.Set(KeyBatchName, a.BatchName)
	s.Set(KeyBatchKey, a.BatchKey)
	s.Set(KeyStorageName, a.StorageName)
	s.Set(KeyStorageKey, a.StorageKey)
	s.Set(KeyToolsetVersion, a.ToolsetVersion)
	s.Set(KeyRegistryServer, a.RegistryServer)
	s.Set(KeyRegistryAccount, a.RegistryAccount)
	s.Set(KeyRegistryKey, a.RegistryKey)
}

// Simulation holds the bake simulation parameters in project units.
type Simulation struct {
	MeshUnitAdjustment        float64 `json:"meshUnitAdjustment"`
	MaxFrequency              float64 `json:"maxFrequency"`
	ReceiverSpacing           float64 `json:"receiverSpacing"`
	ProbeHorizontalSpacingMin float64 `json:"probeHorizontalSpacingMin"`
	ProbeHorizontalSpacingMax float64 `json:"probeHorizontalSpacingMax"`
	ProbeVerticalSpacing      float64 `json:"probeVerticalSpacing"`
	ProbeMinHeightAboveGround float64 `json:"probeMinHeightAboveGround"`
	RegionLower               Vector  `json:"regionLower"`
	RegionUpper               Vector  `json:"regionUpper"`
}

// Simulation parses the simulation section. Unset scalars read as -1.
func (c *Config) Simulation() (Simulation, error) {
	s := c.Section(SectionSimulation)
	var sim Simulation

	floats := []struct {
		key string
		dst *float64
	}{
		{KeyMeshUnitAdjustment, &sim.MeshUnitAdjustment},
		{KeyMaxFrequency, &sim.MaxFrequency},
		{KeyReceiverSpacing, &sim.ReceiverSpacing},
		{KeyProbeHorizontalSpacingMin, &sim.ProbeHorizontalSpacingMin},
		{KeyProbeHorizontalSpacingMax, &sim.ProbeHorizontalSpacingMax},
		{KeyProbeVerticalSpacing, &sim.ProbeVerticalSpacing},
		{KeyProbeMinHeightAboveGround, &sim.ProbeMinHeightAboveGround},
	}
	for _, f := range floats {
		v, err := s.Float(f.key, unsetFloat)
		if err != nil {
			return Simulation{}, err
		}
		*f.dst = v
	}

	var err error
	if sim.RegionLower, err = s.Vector(KeyRegionLower); err != nil {
		return Simulation{}, err
	}
	if sim.RegionUpper, err = s.Vector(KeyRegionUpper); err != nil {
		return Simulation{}, err
	}
	return sim, nil
}

// SetSimulation overwrites the simulation section.
func (c *Config) SetSimulation(sim Simulation) {
	s := c.Section(SectionSimulation)
	s.SetFloat(KeyMeshUnitAdjustment, sim.MeshUnitAdjustment)
	s.SetFloat(KeyMaxFrequency, sim.MaxFrequency)
	s.SetFloat(KeyReceiverSpacing, sim.ReceiverSpacing)
	s.SetFloat(KeyProbeHorizontalSpacingMin, sim.ProbeHorizontalSpacingMin)
	s.SetFloat(KeyProbeHorizontalSpacingMax, sim.ProbeHorizontalSpacingMax)
	s.SetFloat(KeyProbeVerticalSpacing, sim.ProbeVerticalSpacing)
	s.SetFloat(KeyProbeMinHeightAboveGround, sim.ProbeMinHeightAboveGround)
	s.SetVector(KeyRegionLower, sim.RegionLower)
	s.SetVector(KeyRegionUpper, sim.RegionUpper)
}

// Pool describes the compute pool requested for a bake.
type Pool struct {
	VMSize         string `json:"vmSize"`
	Nodes          int    `json:"nodes"`
	UseLowPriority bool   `json:"useLowPriority"`
}

// Pool parses the compute pool section. An unset node count reads as 0.
func (c *Config) Pool() (Pool, error) {
	s := c.Section(SectionPool)
	nodes, err := s.Float(KeyNodes, "0")
	if err != nil {
		return Pool{}, err
	}
	if nodes < 0 {
		return Pool{}, apperrors.Parse(KeyNodes, s.Get(KeyNodes), strconv.ErrRange)
	}
	return Pool{
		VMSize:         s.Get(KeyVMSize),
		Nodes:          int(nodes),
		UseLowPriority: s.Bool(KeyUseLowPriority),
	}, nil
}

// SetPool overwrites the compute pool section.
func (c *Config) SetPool(p Pool) {
	s := c.Section(SectionPool)
	s.Set(KeyVMSize, p.VMSize)
	s.Set(KeyNodes, strconv.Itoa(p.Nodes))
	s.SetBool(KeyUseLowPriority, p.UseLowPriority)
}

// Project holds per-project operational settings that are not job state.
type Project struct {
	LevelPrefixMap map[string]string `json:"levelPrefixMap"`
	DataPath       string            `json:"dataPath"`
}

// Project parses the project part of the operational section.
func (c *Config) Project() (Project, error) {
	s := c.Section(SectionOperational)
	m, err := s.JSONMap(KeyLevelPrefixMap)
	return Project{LevelPrefixMap: m, DataPath: s.Get(KeyDataPath)}, err
}

// SetProject overwrites the project part of the operational section.
func (c *Config) SetProject(p Project) {
	s := c.Section(SectionOperational)
	s.SetJSONMap(KeyLevelPrefixMap, p.LevelPrefixMap)
	s.Set(KeyDataPath, p.DataPath)
}

// JobState is the persisted identity of the active job.
type JobState struct {
	JobID      string
	Prefix     string
	SubmitTime time.Time
}

// JobState reads the persisted job fields. A submit time that does not parse
// reads as zero; the job id and prefix are still usable for monitoring.
func (c *Config) JobState() JobState {
	s := c.Section(SectionOperational)
	st := JobState{
		JobID:  strings.TrimSpace(s.Get(KeyJobID)),
		Prefix: strings.TrimSpace(s.Get(KeyJobPrefix)),
	}
	if raw := s.Get(KeyJobSubmitTime); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			st.SubmitTime = t
		}
	}
	return st
}

// SetJobState overwrites the persisted job fields.
func (c *Config) SetJobState(st JobState) {
	s := c.Section(SectionOperational)
	s.Set(KeyJobID, st.JobID)
	s.Set(KeyJobPrefix, st.Prefix)
	if st.SubmitTime.IsZero() {
		s.Set(KeyJobSubmitTime, "")
		return
	}
	s.Set(KeyJobSubmitTime, st.SubmitTime.UTC().Format(time.RFC3339))
}

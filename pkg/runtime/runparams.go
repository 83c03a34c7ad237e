package runtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/testbed-project/sdk-go/pkg/ptypes"
)

const (
	defaultSyncServiceHost = "testground-sync-service"
	defaultSyncServicePort = 5050
)

// RunParams is the run's identifying metadata, read once from the
// environment at startup and immutable for the lifetime of the session.
type RunParams struct {
	TestPlan string
	TestCase string
	TestRun  string

	TestRepo   string
	TestBranch string
	TestTag    string

	TestOutputsPath string
	TestTempPath    string

	TestInstanceCount  int
	TestInstanceRole   string
	TestInstanceParams map[string]string

	TestGroupID            string
	TestGroupInstanceCount int

	TestSidecar bool
	TestSubnet  *ptypes.IPNet

	TestStartTime       time.Time
	TestCaptureProfiles []string
	TestDisableMetrics  bool

	Hostname    string
	InfluxDBURL string

	// SyncServiceEndpoint is the host:port of the sync service. It is not
	// part of the run identity proper, but tests override it to point the
	// client at a local service.
	SyncServiceEndpoint string
}

// CurrentRunParams reads the run parameters from the process environment.
// It fails if any of the identity variables are missing, collecting every
// missing variable into one error.
func CurrentRunParams() (*RunParams, error) {
	v := viper.New()
	v.AutomaticEnv()

	var result *multierror.Error
	required := func(key string) string {
		s := v.GetString(key)
		if s == "" {
			result = multierror.Append(result, fmt.Errorf("environment variable %s is not set", key))
		}
		return s
	}

	rp := &RunParams{
		TestPlan: required("TEST_PLAN"),
		TestCase: required("TEST_CASE"),
		TestRun:  required("TEST_RUN"),

		TestRepo:   v.GetString("TEST_REPO"),
		TestBranch: v.GetString("TEST_BRANCH"),
		TestTag:    v.GetString("TEST_TAG"),

		TestOutputsPath: v.GetString("TEST_OUTPUTS_PATH"),
		TestTempPath:    v.GetString("TEST_TEMP_PATH"),

		TestInstanceCount:  v.GetInt("TEST_INSTANCE_COUNT"),
		TestInstanceRole:   v.GetString("TEST_INSTANCE_ROLE"),
		TestInstanceParams: ParseKeyValues(v.GetString("TEST_INSTANCE_PARAMS")),

		TestGroupID:            required("TEST_GROUP_ID"),
		TestGroupInstanceCount: v.GetInt("TEST_GROUP_INSTANCE_COUNT"),

		TestSidecar: v.GetBool("TEST_SIDECAR"),

		TestCaptureProfiles: splitComma(v.GetString("TEST_CAPTURE_PROFILES")),
		TestDisableMetrics:  v.GetBool("TEST_DISABLE_METRICS"),

		Hostname:    v.GetString("HOSTNAME"),
		InfluxDBURL: v.GetString("INFLUXDB_URL"),
	}

	if rp.TestInstanceCount <= 0 {
		result = multierror.Append(result, errors.New("TEST_INSTANCE_COUNT must be a positive integer"))
	}
	if rp.TestGroupInstanceCount <= 0 {
		rp.TestGroupInstanceCount = rp.TestInstanceCount
	}

	if s := v.GetString("TEST_SUBNET"); s != "" {
		subnet, err := ptypes.ParseIPNet(s)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "TEST_SUBNET"))
		}
		rp.TestSubnet = subnet
	}

	if s := v.GetString("TEST_START_TIME"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "TEST_START_TIME"))
		}
		rp.TestStartTime = t
	}

	host := v.GetString("SYNC_SERVICE_HOST")
	if host == "" {
		host = defaultSyncServiceHost
	}
	port := v.GetInt("SYNC_SERVICE_PORT")
	if port == 0 {
		port = defaultSyncServicePort
	}
	rp.SyncServiceEndpoint = fmt.Sprintf("%s:%d", host, port)

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return rp, nil
}

// ParseKeyValues parses the "k=v|k=v" encoding used by TEST_INSTANCE_PARAMS.
func ParseKeyValues(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, "|") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// IsParamSet checks if a test instance parameter is set.
func (rp *RunParams) IsParamSet(name string) bool {
	_, ok := rp.TestInstanceParams[name]
	return ok
}

// StringParam returns a string parameter, or "" if the parameter is not set.
func (rp *RunParams) StringParam(name string) string {
	v, ok := rp.TestInstanceParams[name]
	if !ok {
		panic(fmt.Sprintf("%s was not set", name))
	}
	return v
}

// IntParam returns an int parameter, panicking if it is not set or invalid.
func (rp *RunParams) IntParam(name string) int {
	v, ok := rp.TestInstanceParams[name]
	if !ok {
		panic(fmt.Sprintf("%s was not set", name))
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(err)
	}
	return i
}

// BooleanParam returns a bool parameter, or false if it is not set.
func (rp *RunParams) BooleanParam(name string) bool {
	return rp.TestInstanceParams[name] == "true"
}

// FloatParam returns a float64 parameter, panicking if it is not set or
// invalid.
func (rp *RunParams) FloatParam(name string) float64 {
	v, ok := rp.TestInstanceParams[name]
	if !ok {
		panic(fmt.Sprintf("%s was not set", name))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		panic(err)
	}
	return f
}

// DurationParam returns a duration parameter, panicking if it is not set or
// invalid.
func (rp *RunParams) DurationParam(name string) time.Duration {
	v, ok := rp.TestInstanceParams[name]
	if !ok {
		panic(fmt.Sprintf("%s was not set", name))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(err)
	}
	return d
}

// SizeParam parses a human-readable size parameter, e.g. "100 KB", into a
// byte count.
func (rp *RunParams) SizeParam(name string) uint64 {
	v := rp.StringParam(name)
	var size ptypes.Size
	if err := json.Unmarshal([]byte(strconv.Quote(v)), &size); err != nil {
		panic(err)
	}
	return uint64(size)
}

// JSONParam unmarshals a JSON-encoded parameter into v.
func (rp *RunParams) JSONParam(name string, v interface{}) {
	s, ok := rp.TestInstanceParams[name]
	if !ok {
		panic(fmt.Sprintf("%s was not set", name))
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		panic(err)
	}
}

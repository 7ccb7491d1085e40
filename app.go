package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/signdedup/dedup"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *dedup.Config
	MQTTClient *dedup.MQTTClient
	Publisher  *dedup.Publisher
	Out        io.Writer

	// CLI flags
	ConfigFile string
	Stage      string
	Seed       int64
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Out: os.Stdout, Seed: -1}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.Stage = opts.Stage
	a.Seed = opts.Seed
}

// loadConfig reads the configuration file and applies the seed override
func (a *App) loadConfig() error {
	cfg, err := dedup.LoadConfig(a.ConfigFile)
	if err != nil {
		return err
	}
	if a.Seed >= 0 {
		seed := uint64(a.Seed)
		cfg.Seed = &seed
	}
	a.Config = cfg
	return nil
}

// connectMQTT sets up the report publisher. A broker that cannot be reached
// is logged and the run continues without reports.
func (a *App) connectMQTT() {
	client, err := dedup.InitMQTT(a.Config.MQTT)
	if err != nil {
		log.Printf("Warning: %v, stage reports will not be published", err)
		return
	}
	if client == nil {
		return
	}
	a.MQTTClient = client
	a.Publisher = dedup.NewPublisher(client.GetClient(), dedup.ResolveMQTTConfig(a.Config.MQTT).PublishPrefix)
}

// RunStages runs the selected reduction stages
func (a *App) RunStages() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	a.connectMQTT()
	if a.MQTTClient != nil {
		defer a.MQTTClient.Disconnect()
	}

	p := dedup.NewPipeline(a.Config)
	p.Publisher = a.Publisher
	fmt.Fprintf(a.Out, "Run %s (seed %d)\n", p.RunID, a.Config.GetSeed())

	reports, err := p.Run(a.Stage)
	for _, r := range reports {
		printReport(a.Out, r)
	}
	return err
}

func printReport(w io.Writer, r dedup.StageReport) {
	fmt.Fprintf(w, "\n=== %s stage ===\n", r.Stage)
	fmt.Fprintf(w, "Images:     %d -> %d\n", r.ImagesBefore, r.ImagesAfter)
	fmt.Fprintf(w, "Detections: %d -> %d (removed %d)\n", r.DetectionsBefore, r.DetectionsAfter, r.Removed)
	fmt.Fprintf(w, "Output:     %s\n", r.Output)
}

// WriteSampleConfig writes a configuration with every stage enabled and the
// defaults filled in
func (a *App) WriteSampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	seed := dedup.DefaultSeed
	cfg := &dedup.Config{
		Annotations: "annotations/area.json",
		ImagesDir:   "images",
		Seed:        &seed,
		ImageRemoval: dedup.ImageRemovalConfig{
			Enabled: true,
			Classes: []string{"shop"},
			Verifiers: []dedup.VerifierConfig{
				{Name: "dhash", Threshold: 200},
				{Name: "colorgrid", Threshold: 40},
				{Name: "edgegrid", Threshold: 40, MinSide: 32},
			},
		},
		LocationRemoval: dedup.LocationRemovalConfig{
			Enabled:       true,
			ClassName:     "shop",
			BuildingsFile: "buildings/open_buildings.csv.gz",
			BoundingBox:   []float64{0, 0, 0.01, 0.01},
		},
	}
	cfg.ApplyDefaults()
	return dedup.SaveConfig(path, cfg)
}

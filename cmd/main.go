package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/imgclass"
	"github.com/knights-analytics/imgclass/options"
	"github.com/knights-analytics/imgclass/pipelines"
	"github.com/knights-analytics/imgclass/util/fileutil"
	"github.com/knights-analytics/imgclass/util/imageutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var modelPath string
var onnxFilename string
var labelsPath string
var inputPath string
var outputPath string
var backend string
var sharedLibraryPath string
var configPath string
var logLevel string
var topK int
var nWorkers int

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Classify images with an onnx model",
	Description: `Run classifies every image found under --input, or every image path read from stdin (one per line),
				and writes one json line per image of the format {"id", "input", "label", "score", "index", "ranking"}.
				Images that cannot be read or classified are logged to stderr and skipped.`,
	ArgsUsage: `
				--model: path to the folder holding the .onnx model and its labels (labels.json, labels.txt or config.json id2label).
				--input: path to an image or a folder of images to process. If omitted, image paths are read from stdin.
				--output: path to a folder where to write the output. If omitted, the output will be sent to stdout.
				--config: optional yaml file with any of the flag names as keys. Flags given on the command line win.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the model folder",
			Aliases:     []string{"p"},
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "onnxFilename",
			Usage:       "Name of the .onnx file, required if the folder holds several",
			Destination: &onnxFilename,
		},
		&cli.StringFlag{
			Name:        "labels",
			Usage:       "Path to a labels file overriding the one in the model folder",
			Aliases:     []string{"l"},
			Destination: &labelsPath,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to an image or a folder of images",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "topK",
			Usage:       "Number of ranked predictions per image, 0 for all",
			Aliases:     []string{"k"},
			Destination: &topK,
			Value:       5,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend, GO or ORT",
			Aliases:     []string{"b"},
			Destination: &backend,
			Value:       "GO",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Number of images classified concurrently",
			Aliases:     []string{"w"},
			Destination: &nWorkers,
			Value:       1,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to a yaml config file",
			Aliases:     []string{"c"},
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "logLevel",
			Usage:       "Log level: debug, info, warn or error",
			Destination: &logLevel,
			Value:       "info",
		},
	},
	Action: runAction,
}

func runAction(ctx *cli.Context) (err error) {
	if err = applyConfig(ctx); err != nil {
		return err
	}
	setupLogger(logLevel)

	if modelPath == "" {
		return errors.New("a model path is required, with --model or in the config file")
	}
	if nWorkers < 1 {
		nWorkers = 1
	}

	session, err := newSession()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, session.Destroy())
	}()

	config := imgclass.ImageClassificationConfig{
		ModelPath:    modelPath,
		Name:         "cliPipeline",
		OnnxFilename: onnxFilename,
		LabelsPath:   labelsPath,
		Options: []imgclass.ImageClassificationOption{
			pipelines.WithTopK(topK),
		},
	}
	pipe, err := imgclass.NewPipeline(session, config)
	if err != nil {
		return err
	}

	var writer io.WriteCloser = os.Stdout
	if outputPath != "" {
		if err = fileutil.CreateDir(outputPath); err != nil {
			return err
		}
		writer, err = fileutil.NewFileWriter(fileutil.PathJoinSafe(outputPath, "result-0.jsonl"))
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, writer.Close())
		}()
	}

	inputChannel := make(chan string, 1000)
	processedChannel := make(chan []byte, 1000)
	var processedWg sync.WaitGroup
	var failed atomic.Int64

	for range nWorkers {
		processedWg.Add(1)
		go processWithPipeline(&processedWg, inputChannel, processedChannel, &failed, pipe)
	}
	errorsChannel := startWriter(processedChannel, writer)

	readErr := readInputs(ctx.Context, inputChannel)
	close(inputChannel)
	processedWg.Wait()
	close(processedChannel)
	writeErr := <-errorsChannel

	if n := failed.Load(); n > 0 {
		log.Warn().Int64("failed", n).Msg("some images could not be classified")
	}
	for _, stat := range session.GetStats() {
		log.Debug().Msg(stat)
	}
	return errors.Join(readErr, writeErr)
}

func main() {
	app := &cli.App{
		Name:     "imgclass",
		Usage:    "Image classification with onnx models from the command line",
		Commands: []*cli.Command{runCommand},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("imgclass failed")
	}
}

// applyConfig fills every flag not given on the command line from the config file, if one is set.
func applyConfig(ctx *cli.Context) error {
	if configPath == "" {
		return nil
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	stringFlags := map[string]*string{
		"model":                    &modelPath,
		"onnxFilename":             &onnxFilename,
		"labels":                   &labelsPath,
		"input":                    &inputPath,
		"output":                   &outputPath,
		"backend":                  &backend,
		"onnxruntimeSharedLibrary": &sharedLibraryPath,
		"logLevel":                 &logLevel,
	}
	for name, destination := range stringFlags {
		if !ctx.IsSet(name) {
			*destination = config.GetStringOrDefault(name, *destination)
		}
	}
	if !ctx.IsSet("topK") {
		topK = config.GetIntOrDefault("topK", topK)
	}
	if !ctx.IsSet("workers") {
		nWorkers = config.GetIntOrDefault("workers", nWorkers)
	}
	return nil
}

func setupLogger(level string) {
	var writer log.Writer = &log.IOWriter{Writer: os.Stderr}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		writer = &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: true}
	}
	log.DefaultLogger = log.Logger{
		Level:  log.ParseLevel(level),
		Writer: writer,
	}
}

func newSession() (*imgclass.Session, error) {
	switch strings.ToUpper(backend) {
	case "GO":
		return imgclass.NewGoSession()
	case "ORT":
		var opts []options.WithOption
		if sharedLibraryPath != "" {
			opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
		}
		return imgclass.NewORTSession(opts...)
	default:
		return nil, fmt.Errorf("backend %s not implemented", backend)
	}
}

// readInputs sends the image paths found at inputPath, or read from stdin when no input path is given.
func readInputs(ctx context.Context, inputChannel chan<- string) error {
	if inputPath == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return readPaths(os.Stdin, inputChannel)
		}
		return nil
	}

	exists, err := fileutil.FileExists(inputPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", inputPath)
	}
	info, err := fileutil.FileStats(inputPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		inputChannel <- inputPath
		return nil
	}

	fileWalker := func(_ context.Context, _, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if !info.IsDir() && imageutil.IsImageFile(info.Name()) {
			inputChannel <- fileutil.PathJoinSafe(inputPath, parent, info.Name())
		}
		return true, nil
	}
	return fileutil.WalkDir()(ctx, inputPath, fileWalker)
}

func readPaths(source io.Reader, inputChannel chan<- string) error {
	r := bufio.NewReader(source)
	for {
		line, err := fileutil.ReadLine(r)
		if p := strings.TrimSpace(string(line)); p != "" {
			inputChannel <- p
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type record struct {
	ID      string                 `json:"id"`
	Input   string                 `json:"input"`
	Label   string                 `json:"label"`
	Score   float32                `json:"score"`
	Index   int                    `json:"index"`
	Ranking []pipelines.Prediction `json:"ranking"`
}

func processWithPipeline(wg *sync.WaitGroup, inputChannel <-chan string, processedChannel chan<- []byte, failed *atomic.Int64, p *pipelines.ImageClassificationPipeline) {
	defer wg.Done()
	for path := range inputChannel {
		output, err := p.RunPipeline([]string{path})
		if err != nil {
			failed.Add(1)
			log.Error().Err(err).Str("input", path).Msg("skipping image")
			continue
		}
		result := output.Predictions[0]
		out := record{
			ID:      uuid.NewString(),
			Input:   path,
			Label:   result.Label,
			Score:   result.Score,
			Index:   result.Index,
			Ranking: result.Ranking,
		}
		outputBytes, marshallErr := json.Marshal(out)
		if marshallErr != nil {
			failed.Add(1)
			log.Error().Err(marshallErr).Str("input", path).Msg("cannot encode result")
			continue
		}
		processedChannel <- outputBytes
	}
}

// startWriter writes every processed record to writeTarget. The returned channel yields the first write
// error, or nil, once processedChannel is closed and drained.
func startWriter(processedChannel <-chan []byte, writeTarget io.Writer) <-chan error {
	errorsChannel := make(chan error, 1)
	go func() {
		errorsChannel <- writeOutputs(processedChannel, writeTarget)
		close(errorsChannel)
	}()
	return errorsChannel
}

// writeOutputs drains the channel even after a write error so that workers never block.
func writeOutputs(processedChannel <-chan []byte, writeTarget io.Writer) error {
	var err error
	for output := range processedChannel {
		if err != nil {
			continue
		}
		if _, err = writeTarget.Write(append(output, '\n')); err != nil {
			log.Error().Err(err).Msg("cannot write output")
		}
	}
	return err
}

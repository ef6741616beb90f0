package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"emspider/internal/models"
	"emspider/pkg/align"
	"emspider/pkg/hoststore"
	"emspider/pkg/mda"
	"emspider/pkg/protocol"
	"emspider/pkg/reconstruction"
	"emspider/pkg/refinement"
	"emspider/pkg/report"
)

var (
	particlesPath string
	paramsPath    string

	referencePath string
	iterations    int

	bpMethod string

	analysis    string
	factors     int
	maskRadius  int
	maskImage   string
	eigenTarget float64

	maskInput string

	pcaPath     string
	classes     int
	dendroDepth int

	alignMethod string
	innerRadius int
	outerRadius int
	cgOption    string

	filterType string
	highPass   bool
	padFilter  bool
	filterFreq float64
)

var refineCmd = &cobra.Command{
	Use:   "refine",
	Short: "Projection matching refinement of a reference volume",
	Long: `Refines the reference volume against the particles by projection matching.

Parameters are read from --params (YAML, see refinement.Params) over the
defaults: gold-standard mode, 10 iterations, BP 3F. The refined volume,
particles and the last FSC curve are stored in the run directory.`,
	Args: cobra.NoArgs,
	RunE: runRefine,
}

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "Fourier back-projection of aligned particles",
	Args:  cobra.NoArgs,
	RunE:  runReconstruct,
}

var capcaCmd = &cobra.Command{
	Use:   "capca",
	Short: "Correspondence or principal component analysis (CA S)",
	Args:  cobra.NoArgs,
	RunE:  runCAPCA,
}

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Build a custom mask from an average image",
	Args:  cobra.NoArgs,
	RunE:  runMask,
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify particles in factor space",
}

var wardCmd = &cobra.Command{
	Use:   "ward",
	Short: "Hierarchical ascendant classification (CL HC)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCluster(cmd, mda.WardAdapter)
	},
}

var didayCmd = &cobra.Command{
	Use:   "diday",
	Short: "Diday's moving centers followed by Ward (CL CLA)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCluster(cmd, mda.DidayAdapter)
	},
}

var kmeansCmd = &cobra.Command{
	Use:   "kmeans",
	Short: "K-means classification (CL KM)",
	Args:  cobra.NoArgs,
	RunE:  runKMeans,
}

var alignCmd = &cobra.Command{
	Use:   "align",
	Short: "Reference-free 2D alignment (AP SR or pairwise)",
	Long: `Aligns the particles without a reference and writes the aligned stack and
its average. Only rings between --inner and --outer (pixels, at most half
the image width) are used in the rotational search.`,
	Args: cobra.NoArgs,
	RunE: runAlign,
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Fourier filter every particle (FQ)",
	Args:  cobra.NoArgs,
	RunE:  runFilter,
}

func init() {
	for _, c := range []*cobra.Command{refineCmd, reconstructCmd, capcaCmd, wardCmd, didayCmd, kmeansCmd, alignCmd, filterCmd} {
		c.Flags().StringVarP(&particlesPath, "particles", "p", "", "Particle set (YAML)")
		_ = c.MarkFlagRequired("particles")
	}
	for _, c := range []*cobra.Command{refineCmd, capcaCmd, maskCmd, alignCmd, filterCmd} {
		c.Flags().StringVar(&paramsPath, "params", "", "Protocol parameters (YAML)")
	}

	refineCmd.Flags().StringVar(&referencePath, "reference", "", "Reference volume (YAML)")
	refineCmd.Flags().IntVar(&iterations, "iterations", 0, "Number of iterations (overrides --params)")
	_ = refineCmd.MarkFlagRequired("reference")

	reconstructCmd.Flags().StringVar(&bpMethod, "method", "32f", "Back-projection command: 32f or 3f")

	capcaCmd.Flags().StringVar(&analysis, "analysis", "", "CA, PCA or IPCA (overrides --params)")
	capcaCmd.Flags().IntVar(&factors, "factors", 0, "Number of factors (overrides --params)")
	capcaCmd.Flags().IntVar(&maskRadius, "mask-radius", 0, "Circular mask radius in pixels, -1 for the whole image")
	capcaCmd.Flags().StringVar(&maskImage, "mask-image", "", "Mask image as index@file, replaces the circular mask")
	capcaCmd.Flags().Float64Var(&eigenTarget, "target", 80, "Cumulative inertia percentage to report")

	maskCmd.Flags().StringVar(&maskInput, "image", "", "Input image as index@file")
	_ = maskCmd.MarkFlagRequired("image")

	for _, c := range []*cobra.Command{wardCmd, didayCmd, kmeansCmd} {
		c.Flags().StringVar(&pcaPath, "pca", "", "Factor files of a capca run (YAML)")
		c.Flags().IntVar(&factors, "factors", 0, "Number of factors to use")
		_ = c.MarkFlagRequired("pca")
		_ = c.MarkFlagRequired("factors")
	}
	wardCmd.Flags().IntVar(&dendroDepth, "depth", 4, "Dendrogram levels to print, 0 for all")
	didayCmd.Flags().IntVar(&dendroDepth, "depth", 4, "Dendrogram levels to print, 0 for all")
	kmeansCmd.Flags().IntVar(&classes, "classes", 2, "Number of classes")

	classifyCmd.AddCommand(wardCmd, didayCmd, kmeansCmd)

	alignCmd.Flags().StringVar(&alignMethod, "method", "", "apsr or pairwise (overrides --params)")
	alignCmd.Flags().IntVar(&innerRadius, "inner", 0, "Inner ring radius in pixels (overrides --params)")
	alignCmd.Flags().IntVar(&outerRadius, "outer", 0, "Outer ring radius in pixels (overrides --params)")
	alignCmd.Flags().StringVar(&cgOption, "cg", "", "Centering of the penultimate average: none, cgph or rt180")

	filterCmd.Flags().StringVar(&filterType, "type", "", "tophat, gaussian, fermi, butterworth or raisedcos (overrides --params)")
	filterCmd.Flags().BoolVar(&highPass, "high-pass", false, "High-pass instead of low-pass")
	filterCmd.Flags().BoolVar(&padFilter, "pad", false, "Pad images to twice their size before filtering")
	filterCmd.Flags().Float64Var(&filterFreq, "radius", 0, "Cutoff in digital frequency (overrides --params)")
}

// start loads the particles and prepares tools, run and output store.
func start(adapter string) (*models.ParticleSet, *protocol.Tools, *protocol.Run, *hoststore.Store, error) {
	var set *models.ParticleSet
	if particlesPath != "" {
		var err error
		if set, err = hoststore.LoadParticleSet(particlesPath); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	tools, err := newTools()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	run, err := newRun(adapter)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	store, err := hoststore.New(run.Dir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return set, tools, run, store, nil
}

func runRefine(cmd *cobra.Command, args []string) error {
	p := refinement.DefaultParams()
	p.Threads = cfg.Run.Threads
	p.Workers = cfg.Run.MPI
	if err := loadParams(paramsPath, &p); err != nil {
		return err
	}
	if iterations > 0 {
		p.Iterations = iterations
	}
	ref, err := hoststore.LoadVolume(referencePath)
	if err != nil {
		return err
	}
	set, tools, run, store, err := start(refinement.Adapter)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	res, err := refinement.New(tools).Run(ctx, run, refinement.Input{Particles: set, Reference: *ref}, p)
	if err == nil {
		err = saveAll(
			func() (string, error) { return store.SaveVolume("volume", &res.Volume) },
			func() (string, error) { return store.SaveParticleSet("particles", res.Particles) },
			func() (string, error) { return store.SaveFSC("fsc", res.FSC) },
		)
	}
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "refined to iteration %d\n", res.Iteration)
		err = report.WriteFSC(cmd.OutOrStdout(), res.FSC)
	}
	return finish(cmd, tools, run, err)
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	method, err := reconstruction.ParseMethod(bpMethod)
	if err != nil {
		return err
	}
	params := reconstruction.Params{Method: method, Threads: cfg.Run.Threads, MPI: cfg.Run.MPI}
	set, tools, run, store, err := start(reconstruction.Adapter)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	r := reconstruction.NewReconstructor(tools, params)
	vol, err := r.Process(ctx, run, set)
	if err == nil {
		err = saveAll(func() (string, error) { return store.SaveVolume("volume", vol) })
	}
	if err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), r.Summary())
	}
	return finish(cmd, tools, run, err)
}

func runCAPCA(cmd *cobra.Command, args []string) error {
	p := mda.DefaultCAPCAParams()
	if err := loadParams(paramsPath, &p); err != nil {
		return err
	}
	if analysis != "" {
		a, err := mda.ParseAnalysis(analysis)
		if err != nil {
			return err
		}
		p.Analysis = a
	}
	if factors > 0 {
		p.Factors = factors
	}
	if maskRadius != 0 {
		p.MaskRadius = maskRadius
	}
	if maskImage != "" {
		loc, err := parseLocation(maskImage)
		if err != nil {
			return err
		}
		p.MaskType, p.MaskImage = mda.MaskFile, loc
	}

	set, tools, run, store, err := start(mda.CAPCAAdapter)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	out, err := mda.NewCAPCA(tools).Run(ctx, run, set, p)
	if err == nil {
		err = saveAll(func() (string, error) { return store.SavePCA("pca", out) })
	}
	if err == nil && out.Eigenvalues != "" {
		var eig []mda.Eigenvalue
		if eig, err = mda.ReadEigenvalues(out.Eigenvalues); err == nil {
			err = report.WriteEigenvalues(cmd.OutOrStdout(), eig, eigenTarget)
		}
	}
	return finish(cmd, tools, run, err)
}

func runMask(cmd *cobra.Command, args []string) error {
	p := mda.DefaultMaskParams()
	if err := loadParams(paramsPath, &p); err != nil {
		return err
	}
	image, err := parseLocation(maskInput)
	if err != nil {
		return err
	}
	_, tools, run, _, err := start(mda.MaskAdapter)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	locs, err := mda.NewCustomMask(tools).Run(ctx, run, image, p)
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "mask: %d@%s\n", locs[len(locs)-1].Index, locs[len(locs)-1].File)
	}
	return finish(cmd, tools, run, err)
}

func classifyInput(set *models.ParticleSet) (mda.ClassifyInput, error) {
	pca, err := hoststore.LoadPCA(pcaPath)
	if err != nil {
		return mda.ClassifyInput{}, err
	}
	return mda.ClassifyInput{Particles: set, PCA: *pca, Factors: factors}, nil
}

func runCluster(cmd *cobra.Command, adapter string) error {
	set, tools, run, _, err := start(adapter)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	in, err := classifyInput(set)
	if err != nil {
		return finish(cmd, tools, run, err)
	}
	// Node averages need host image I/O, which the CLI does not have.
	cluster := mda.NewCluster(tools, nil)
	var res *mda.ClusterResult
	if adapter == mda.WardAdapter {
		res, err = cluster.Ward(ctx, run, in)
	} else {
		res, err = cluster.Diday(ctx, run, in)
	}
	if err == nil {
		err = report.WriteDendrogram(cmd.OutOrStdout(), res.Root, dendroDepth)
	}
	return finish(cmd, tools, run, err)
}

func runKMeans(cmd *cobra.Command, args []string) error {
	set, tools, run, store, err := start(mda.KMeansAdapter)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	in, err := classifyInput(set)
	if err != nil {
		return finish(cmd, tools, run, err)
	}
	res, err := mda.NewKMeans(tools).Run(ctx, run, in, classes)
	if err == nil {
		err = saveAll(
			func() (string, error) { return store.SaveClasses("classes", res.Classes) },
			func() (string, error) { return store.SaveParticleSet("particles", res.Particles) },
		)
	}
	if err == nil {
		report.WriteClasses(cmd.OutOrStdout(), res.Classes)
	}
	return finish(cmd, tools, run, err)
}

func runAlign(cmd *cobra.Command, args []string) error {
	p := align.DefaultParams()
	if err := loadParams(paramsPath, &p); err != nil {
		return err
	}
	if alignMethod != "" {
		m, err := align.ParseMethod(alignMethod)
		if err != nil {
			return err
		}
		p.Method = m
	}
	if innerRadius > 0 {
		p.InnerRadius = innerRadius
	}
	if outerRadius > 0 {
		p.OuterRadius = outerRadius
	}
	if cgOption != "" {
		cg, err := align.ParseCGOption(cgOption)
		if err != nil {
			return err
		}
		p.CGOption = cg
	}

	set, tools, run, store, err := start(p.Method.Adapter())
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	res, err := align.New(tools).Run(ctx, run, set, p)
	if err == nil {
		err = saveAll(func() (string, error) { return store.SaveParticleSet("particles", res.Particles) })
	}
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "average: %s\n", res.Average.File)
	}
	return finish(cmd, tools, run, err)
}

func runFilter(cmd *cobra.Command, args []string) error {
	p := align.DefaultFilterParams()
	if err := loadParams(paramsPath, &p); err != nil {
		return err
	}
	if filterType != "" {
		ft, err := align.ParseFilterType(filterType)
		if err != nil {
			return err
		}
		p.Type = ft
	}
	if cmd.Flags().Changed("high-pass") {
		p.HighPass = highPass
	}
	if cmd.Flags().Changed("pad") {
		p.Pad = padFilter
	}
	if filterFreq > 0 {
		p.Radius = filterFreq
	}

	set, tools, run, store, err := start(align.FilterAdapter)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	out, err := align.NewFilter(tools).Run(ctx, run, set, p)
	if err == nil {
		err = saveAll(func() (string, error) { return store.SaveParticleSet("particles", out) })
	}
	return finish(cmd, tools, run, err)
}

// saveAll runs every save, recording stored objects in the log.
func saveAll(saves ...func() (string, error)) error {
	for _, save := range saves {
		path, err := save()
		if err != nil {
			return errors.Wrap(err, "store output")
		}
		logger.Debug("output stored", zap.String("path", path))
	}
	return nil
}

package service

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"lws.localdev.org/common"
	"lws.localdev.org/dispatch"
	"lws.localdev.org/iam"
	"lws.localdev.org/object"
)

// NewObjectProvider serves the object protocol: REST path-style routes
// with XML envelopes, plus virtual-hosted-style rewriting.
func NewObjectProvider(deps *Deps, engine *object.Engine, knownHosts ...string) *httpProvider {
	if len(knownHosts) == 0 {
		knownHosts = []string{"localhost", "s3.local"}
	}
	h := &objectHandlers{engine: engine, eval: deps.Evaluator}
	outer := []echo.MiddlewareFunc{dispatch.VirtualHostRewrite(knownHosts...)}
	return newHTTPProvider("object", deps.port(OffsetObject), deps, outer, func(e *echo.Echo) {
		e.GET("/", h.listBuckets)
		e.PUT("/:bucket", h.createBucket)
		e.DELETE("/:bucket", h.deleteBucket)
		e.HEAD("/:bucket", h.headBucket)
		e.GET("/:bucket", h.listObjects)
		e.PUT("/:bucket/*", h.putObject)
		e.GET("/:bucket/*", h.getObject)
		e.HEAD("/:bucket/*", h.headObject)
		e.DELETE("/:bucket/*", h.deleteObject)
		e.POST("/:bucket/*", h.postObject)
	})
}

type objectHandlers struct {
	engine *object.Engine
	eval   *iam.Evaluator
}

type restError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func renderObjectError(c echo.Context, err error) error {
	code, status := "InternalError", http.StatusInternalServerError
	switch {
	case errors.Is(err, object.ErrBucketNotFound):
		code, status = "NoSuchBucket", http.StatusNotFound
	case errors.Is(err, object.ErrObjectNotFound):
		code, status = "NoSuchKey", http.StatusNotFound
	case errors.Is(err, object.ErrBucketExists):
		code, status = "BucketAlreadyExists", http.StatusConflict
	case errors.Is(err, object.ErrBucketNotEmpty):
		code, status = "BucketNotEmpty", http.StatusConflict
	case errors.Is(err, object.ErrInvalidKey):
		code, status = "InvalidArgument", http.StatusBadRequest
	case errors.Is(err, object.ErrUploadNotFound):
		code, status = "NoSuchUpload", http.StatusNotFound
	case errors.Is(err, object.ErrInvalidPart):
		code, status = "InvalidPart", http.StatusBadRequest
	}
	return c.XML(status, restError{Code: code, Message: err.Error()})
}

// authorize runs the IAM check for one REST operation.
func (h *objectHandlers) authorize(c echo.Context, op, bucket string) error {
	c.Set("operation", op)
	if h.eval == nil {
		return nil
	}
	req := iam.Request{
		Principal: iam.PrincipalFromAuthorization(c.Request().Header.Get(echo.HeaderAuthorization)),
		Action:    "s3:" + op,
		Context:   map[string]string{"lws:service": "object"},
	}
	if bucket != "" {
		req.Resource = common.BucketARN(bucket)
		req.Context["lws:target"] = req.Resource
	}
	if dec, proceed := h.eval.Authorize(req); !proceed {
		return c.XML(http.StatusForbidden, restError{Code: "AccessDenied", Message: dec.Reason})
	}
	return nil
}

func objectKey(c echo.Context) string { return c.Param("*") }

type xmlBucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func (h *objectHandlers) listBuckets(c echo.Context) error {
	if err := h.authorize(c, "ListAllMyBuckets", ""); err != nil {
		return err
	}
	buckets, err := h.engine.ListBuckets()
	if err != nil {
		return renderObjectError(c, err)
	}
	out := struct {
		XMLName xml.Name    `xml:"ListAllMyBucketsResult"`
		Buckets []xmlBucket `xml:"Buckets>Bucket"`
	}{}
	for _, b := range buckets {
		out.Buckets = append(out.Buckets, xmlBucket{Name: b.Name, CreationDate: b.CreatedAt.Format(time.RFC3339)})
	}
	return c.XML(http.StatusOK, out)
}

func (h *objectHandlers) createBucket(c echo.Context) error {
	bucket := c.Param("bucket")
	if err := h.authorize(c, "CreateBucket", bucket); err != nil {
		return err
	}
	if err := h.engine.CreateBucket(bucket); err != nil {
		return renderObjectError(c, err)
	}
	c.Response().Header().Set("Location", "/"+bucket)
	return c.NoContent(http.StatusOK)
}

func (h *objectHandlers) deleteBucket(c echo.Context) error {
	bucket := c.Param("bucket")
	if err := h.authorize(c, "DeleteBucket", bucket); err != nil {
		return err
	}
	if err := h.engine.DeleteBucket(bucket); err != nil {
		return renderObjectError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *objectHandlers) headBucket(c echo.Context) error {
	bucket := c.Param("bucket")
	if err := h.authorize(c, "HeadBucket", bucket); err != nil {
		return err
	}
	if err := h.engine.HeadBucket(bucket); err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusOK)
}

type xmlObject struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

func (h *objectHandlers) listObjects(c echo.Context) error {
	bucket := c.Param("bucket")
	if err := h.authorize(c, "ListBucket", bucket); err != nil {
		return err
	}
	maxKeys, _ := strconv.Atoi(c.QueryParam("max-keys"))
	objects, prefixes, err := h.engine.List(bucket, object.ListInput{
		Prefix:            c.QueryParam("prefix"),
		Delimiter:         c.QueryParam("delimiter"),
		MaxKeys:           maxKeys,
		ContinuationToken: c.QueryParam("continuation-token"),
	})
	if err != nil {
		return renderObjectError(c, err)
	}
	out := struct {
		XMLName        xml.Name    `xml:"ListBucketResult"`
		Name           string      `xml:"Name"`
		Prefix         string      `xml:"Prefix"`
		KeyCount       int         `xml:"KeyCount"`
		IsTruncated    bool        `xml:"IsTruncated"`
		NextToken      string      `xml:"NextContinuationToken,omitempty"`
		Contents       []xmlObject `xml:"Contents"`
		CommonPrefixes []struct {
			Prefix string `xml:"Prefix"`
		} `xml:"CommonPrefixes,omitempty"`
	}{Name: bucket, Prefix: c.QueryParam("prefix"), KeyCount: len(objects)}
	for _, o := range objects {
		out.Contents = append(out.Contents, xmlObject{
			Key:          o.Key,
			LastModified: o.LastModified.Format(time.RFC3339),
			ETag:         `"` + o.ETag + `"`,
			Size:         o.Size,
		})
	}
	for _, p := range prefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, struct {
			Prefix string `xml:"Prefix"`
		}{Prefix: p})
	}
	if len(objects) == maxKeys && maxKeys > 0 && len(objects) > 0 {
		out.IsTruncated = true
		out.NextToken = objects[len(objects)-1].Key
	}
	return c.XML(http.StatusOK, out)
}

func userMetadata(c echo.Context) map[string]string {
	meta := map[string]string{}
	for name, vs := range c.Request().Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(vs) > 0 {
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = vs[0]
		}
	}
	return meta
}

func (h *objectHandlers) putObject(c echo.Context) error {
	bucket, key := c.Param("bucket"), objectKey(c)

	if uploadID := c.QueryParam("uploadId"); uploadID != "" {
		if err := h.authorize(c, "UploadPart", bucket); err != nil {
			return err
		}
		partNumber, err := strconv.Atoi(c.QueryParam("partNumber"))
		if err != nil {
			return c.XML(http.StatusBadRequest, restError{Code: "InvalidArgument", Message: "partNumber must be an integer"})
		}
		etag, err := h.engine.UploadPart(uploadID, partNumber, c.Request().Body)
		if err != nil {
			return renderObjectError(c, err)
		}
		c.Response().Header().Set("ETag", `"`+etag+`"`)
		return c.NoContent(http.StatusOK)
	}

	if src := c.Request().Header.Get("x-amz-copy-source"); src != "" {
		if err := h.authorize(c, "CopyObject", bucket); err != nil {
			return err
		}
		src = strings.TrimPrefix(src, "/")
		slash := strings.IndexByte(src, '/')
		if slash <= 0 {
			return c.XML(http.StatusBadRequest, restError{Code: "InvalidArgument", Message: "malformed copy source"})
		}
		info, err := h.engine.Copy(src[:slash], src[slash+1:], bucket, key)
		if err != nil {
			return renderObjectError(c, err)
		}
		return c.XML(http.StatusOK, struct {
			XMLName      xml.Name `xml:"CopyObjectResult"`
			ETag         string   `xml:"ETag"`
			LastModified string   `xml:"LastModified"`
		}{ETag: `"` + info.ETag + `"`, LastModified: info.LastModified.Format(time.RFC3339)})
	}

	if err := h.authorize(c, "PutObject", bucket); err != nil {
		return err
	}
	info, err := h.engine.Put(bucket, key, c.Request().Body, c.Request().Header.Get(echo.HeaderContentType), userMetadata(c))
	if err != nil {
		return renderObjectError(c, err)
	}
	c.Response().Header().Set("ETag", `"`+info.ETag+`"`)
	return c.NoContent(http.StatusOK)
}

func setObjectHeaders(c echo.Context, info object.Info) {
	h := c.Response().Header()
	h.Set("ETag", `"`+info.ETag+`"`)
	h.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	h.Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	if info.ContentType != "" {
		h.Set(echo.HeaderContentType, info.ContentType)
	}
	for k, v := range info.UserMetadata {
		h.Set("x-amz-meta-"+k, v)
	}
}

func (h *objectHandlers) getObject(c echo.Context) error {
	bucket, key := c.Param("bucket"), objectKey(c)
	if err := h.authorize(c, "GetObject", bucket); err != nil {
		return err
	}
	body, info, err := h.engine.Get(bucket, key)
	if err != nil {
		return renderObjectError(c, err)
	}
	defer body.Close()
	setObjectHeaders(c, info)
	contentType := info.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, contentType, body)
}

func (h *objectHandlers) headObject(c echo.Context) error {
	bucket, key := c.Param("bucket"), objectKey(c)
	if err := h.authorize(c, "HeadObject", bucket); err != nil {
		return err
	}
	info, err := h.engine.Head(bucket, key)
	if err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	setObjectHeaders(c, info)
	return c.NoContent(http.StatusOK)
}

func (h *objectHandlers) deleteObject(c echo.Context) error {
	bucket, key := c.Param("bucket"), objectKey(c)

	if uploadID := c.QueryParam("uploadId"); uploadID != "" {
		if err := h.authorize(c, "AbortMultipartUpload", bucket); err != nil {
			return err
		}
		if err := h.engine.AbortMultipart(uploadID); err != nil {
			return renderObjectError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}

	if err := h.authorize(c, "DeleteObject", bucket); err != nil {
		return err
	}
	if err := h.engine.Delete(bucket, key); err != nil {
		return renderObjectError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// postObject handles the multipart sub-operations selected by query
// flags: ?uploads starts an upload, ?uploadId=... completes one.
func (h *objectHandlers) postObject(c echo.Context) error {
	bucket, key := c.Param("bucket"), objectKey(c)

	if _, ok := c.QueryParams()["uploads"]; ok {
		if err := h.authorize(c, "CreateMultipartUpload", bucket); err != nil {
			return err
		}
		uploadID, err := h.engine.CreateMultipart(bucket, key)
		if err != nil {
			return renderObjectError(c, err)
		}
		return c.XML(http.StatusOK, struct {
			XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
			Bucket   string   `xml:"Bucket"`
			Key      string   `xml:"Key"`
			UploadID string   `xml:"UploadId"`
		}{Bucket: bucket, Key: key, UploadID: uploadID})
	}

	uploadID := c.QueryParam("uploadId")
	if uploadID == "" {
		return c.XML(http.StatusBadRequest, restError{Code: "InvalidRequest", Message: "missing uploads or uploadId"})
	}
	if err := h.authorize(c, "CompleteMultipartUpload", bucket); err != nil {
		return err
	}
	var req struct {
		Parts []struct {
			PartNumber int    `xml:"PartNumber"`
			ETag       string `xml:"ETag"`
		} `xml:"Part"`
	}
	if err := xml.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.XML(http.StatusBadRequest, restError{Code: "MalformedXML", Message: err.Error()})
	}
	parts := make([]object.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, object.CompletedPart{
			PartNumber: p.PartNumber,
			ETag:       strings.Trim(p.ETag, `"`),
		})
	}
	info, err := h.engine.CompleteMultipart(uploadID, parts)
	if err != nil {
		return renderObjectError(c, err)
	}
	return c.XML(http.StatusOK, struct {
		XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
		Bucket  string   `xml:"Bucket"`
		Key     string   `xml:"Key"`
		ETag    string   `xml:"ETag"`
	}{Bucket: bucket, Key: key, ETag: `"` + info.ETag + `"`})
}
